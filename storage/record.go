package storage

import (
	"encoding/json"

	"github.com/benz9527/xsensor/model"
)

// streamElementRecord is the durable row of a stream element. The
// autoincrement pk doubles as the element position.
type streamElementRecord struct {
	PK           int64  `gorm:"column:pk;primaryKey;autoIncrement"`
	Sensor       string `gorm:"column:sensor;not null;index:idx_sensor_timed_pk,priority:1;index:idx_sensor_partition_timed,priority:1"`
	Timed        int64  `gorm:"column:timed;not null;index:idx_sensor_timed_pk,priority:2;index:idx_sensor_partition_timed,priority:3"`
	PartitionKey string `gorm:"column:partition_key;not null;default:'';index:idx_sensor_partition_timed,priority:2"`
	Payload      []byte `gorm:"column:payload;type:json"`
}

func (streamElementRecord) TableName() string {
	return "stream_elements"
}

func newRecord(sensor *model.Sensor, elem *model.StreamElement) (*streamElementRecord, error) {
	payload, err := json.Marshal(elem.Fields)
	if err != nil {
		return nil, err
	}
	return &streamElementRecord{
		Sensor:       sensor.Name,
		Timed:        elem.Timestamp,
		PartitionKey: elem.PartitionKey,
		Payload:      payload,
	}, nil
}

func (r *streamElementRecord) element() (*model.StreamElement, error) {
	elem := &model.StreamElement{
		Timestamp:    r.Timed,
		Position:     r.PK,
		PartitionKey: r.PartitionKey,
		Fields:       map[string]any{},
	}
	if len(r.Payload) == 0 {
		return elem, nil
	}
	if err := json.Unmarshal(r.Payload, &elem.Fields); err != nil {
		return elem, err
	}
	return elem, nil
}
