// Package export mirrors hourly buckets into InfluxDB for dashboards.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/persist"
)

const (
	roomMeasurement   = "room_energy"
	deviceMeasurement = "device_energy"
)

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx writes bucket points with the blocking write API.
type Influx struct {
	client influxdb2.Client
	writer pointWriter
	bucket string
	logger *zap.Logger
}

// NewInflux connects to the given server. The client is lazy; no request is
// made until the first write.
func NewInflux(url, token, org, bucket string, logger *zap.Logger) *Influx {
	client := influxdb2.NewClient(url, token)
	return &Influx{
		client: client,
		writer: client.WriteAPIBlocking(org, bucket),
		bucket: bucket,
		logger: logger.Named("influx"),
	}
}

// Write exports one point per room bucket and one per device share.
func (x *Influx) Write(ctx context.Context, buckets []model.HourlyBucket) error {
	points, err := Points(buckets)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	if err := x.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("error writing to InfluxDB: %w", err)
	}
	x.logger.Debug("Exported hourly buckets", zap.String("bucket", x.bucket), zap.Int("points", len(points)))
	return nil
}

// Sink returns a bucket sink that exports through the persistence writer so a
// slow server never stalls the hourly roll.
func (x *Influx) Sink(w *persist.Writer) func([]model.HourlyBucket) {
	return func(buckets []model.HourlyBucket) {
		w.Dispatch(persist.Job{Key: 0, Name: "influx_export", Do: func(ctx context.Context) error {
			return x.Write(ctx, buckets)
		}})
	}
}

// Close releases the HTTP client.
func (x *Influx) Close() {
	if x.client != nil {
		x.client.Close()
	}
}

// Points converts buckets to line protocol points stamped at the hour start.
func Points(buckets []model.HourlyBucket) ([]*write.Point, error) {
	var out []*write.Point
	for _, b := range buckets {
		room := strconv.FormatInt(b.RoomID, 10)
		out = append(out, influxdb2.NewPoint(
			roomMeasurement,
			map[string]string{"room_id": room},
			map[string]interface{}{"consumed_kwh": b.ConsumedKWh, "saved_kwh": b.SavedKWh},
			b.HourStart,
		))

		if len(b.Devices) == 0 {
			continue
		}
		var shares map[string]model.DeviceShare
		if err := json.Unmarshal(b.Devices, &shares); err != nil {
			return nil, fmt.Errorf("decode devices of room %d at %s: %w", b.RoomID, b.HourStart, err)
		}
		ids := make([]string, 0, len(shares))
		for id := range shares {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s := shares[id]
			out = append(out, influxdb2.NewPoint(
				deviceMeasurement,
				map[string]string{"room_id": room, "device_id": id},
				map[string]interface{}{"consumed_kwh": s.ConsumedKWh, "saved_kwh": s.SavedKWh},
				b.HourStart,
			))
		}
	}
	return out, nil
}
