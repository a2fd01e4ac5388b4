package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/store"
)

const trendDays = 7

type dashboardStats struct {
	TotalRooms       int     `json:"total_rooms"`
	OccupiedRooms    int     `json:"occupied_rooms"`
	UnoccupiedRooms  int     `json:"unoccupied_rooms"`
	TotalDevices     int     `json:"total_devices"`
	DevicesOn        int     `json:"devices_on"`
	DevicesOff       int     `json:"devices_off"`
	TotalConsumedKWh float64 `json:"total_energy_consumed_kwh"`
	TotalSavedKWh    float64 `json:"total_energy_saved_kwh"`
	CurrentPowerW    float64 `json:"current_power_usage_w"`
}

// GetDashboardStats handles GET /api/dashboard/stats.
func (h *Handler) GetDashboardStats(c *gin.Context) {
	var st dashboardStats
	for _, snap := range h.ctrl.Snapshots() {
		st.TotalRooms++
		if snap.State == model.Occupied {
			st.OccupiedRooms++
		} else {
			st.UnoccupiedRooms++
		}
		for _, d := range snap.Devices {
			st.TotalDevices++
			if d.IsOn {
				st.DevicesOn++
			} else {
				st.DevicesOff++
			}
		}
		st.CurrentPowerW += snap.PowerW
	}

	totals, err := h.energy(c.Request.Context(), store.RangeQuery{})
	if err != nil {
		h.respondError(c, err)
		return
	}
	st.TotalConsumedKWh = totals.ConsumedKWh
	st.TotalSavedKWh = totals.SavedKWh
	c.JSON(http.StatusOK, st)
}

type trendPoint struct {
	Date        string  `json:"date"`
	SavedKWh    float64 `json:"energy_saved_kwh"`
	ConsumedKWh float64 `json:"energy_consumed_kwh"`
}

// GetEnergyTrend handles GET /api/dashboard/energy-trend: one point per UTC
// day for the last week, today included, from closed hourly buckets.
func (h *Handler) GetEnergyTrend(c *gin.Context) {
	now := h.ctrl.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	since := today.AddDate(0, 0, -(trendDays - 1))

	days, err := h.store.DailyEnergy(c.Request.Context(), since)
	if err != nil {
		h.respondError(c, err)
		return
	}
	byDay := make(map[time.Time]store.DailyEnergy, len(days))
	for _, d := range days {
		byDay[d.Day] = d
	}

	trend := make([]trendPoint, 0, trendDays)
	for day := since; !day.After(today); day = day.AddDate(0, 0, 1) {
		d := byDay[day]
		trend = append(trend, trendPoint{Date: day.Format("2006-01-02"), SavedKWh: d.SavedKWh, ConsumedKWh: d.ConsumedKWh})
	}
	c.JSON(http.StatusOK, trend)
}

type roomConsumption struct {
	RoomID    int64                `json:"room_id"`
	RoomName  string               `json:"room_name"`
	PowerW    float64              `json:"power_w"`
	DevicesOn int                  `json:"devices_on"`
	Occupancy model.OccupancyState `json:"occupancy"`
}

// GetRoomConsumption handles GET /api/dashboard/room-consumption, highest
// current draw first.
func (h *Handler) GetRoomConsumption(c *gin.Context) {
	snaps := h.ctrl.Snapshots()
	out := make([]roomConsumption, 0, len(snaps))
	for _, snap := range snaps {
		rc := roomConsumption{RoomID: snap.ID, RoomName: snap.Name, PowerW: snap.PowerW, Occupancy: snap.State}
		for _, d := range snap.Devices {
			if d.IsOn {
				rc.DevicesOn++
			}
		}
		out = append(out, rc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PowerW > out[j].PowerW })
	c.JSON(http.StatusOK, out)
}
