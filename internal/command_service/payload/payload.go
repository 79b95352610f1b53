// Package payload holds the typed command bodies producers build. The
// scheduler itself only ever sees the encoded bytes.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/iotmon/golang_services/internal/command_service/domain"
)

// Payload is one variant of the closed set of command bodies.
type Payload interface {
	CommandType() domain.CommandType
}

// DeviceAttributes pushes attribute values to a device.
type DeviceAttributes struct {
	Attributes map[string]string `json:"attributes" validate:"required,min=1,dive,keys,required,endkeys"`
}

func (DeviceAttributes) CommandType() domain.CommandType { return domain.CommandTypeDeviceAttributes }

// MotionControl moves one axis of a pan/tilt/zoom capable device.
type MotionControl struct {
	Axis         string  `json:"axis" validate:"required,oneof=pan tilt zoom"`
	Position     float64 `json:"position" validate:"gte=-180,lte=180"`
	SpeedPercent int     `json:"speed_percent" validate:"required,min=1,max=100"`
}

func (MotionControl) CommandType() domain.CommandType { return domain.CommandTypeMotionControl }

// Email is a notification mail about the device.
type Email struct {
	To      []string `json:"to" validate:"required,min=1,dive,email"`
	Subject string   `json:"subject" validate:"required,max=200"`
	Body    string   `json:"body" validate:"max=10000"`
}

func (Email) CommandType() domain.CommandType { return domain.CommandTypeEmail }

// Codec decodes and validates payloads keyed by command type.
type Codec struct {
	validate *validator.Validate
}

func NewCodec(validate *validator.Validate) *Codec {
	return &Codec{validate: validate}
}

// Decode parses data as the variant for t and validates it.
func (c *Codec) Decode(t domain.CommandType, data []byte) (Payload, error) {
	var p Payload
	var err error
	switch t {
	case domain.CommandTypeDeviceAttributes:
		var v DeviceAttributes
		err = decodeStrict(data, &v)
		p = v
	case domain.CommandTypeMotionControl:
		var v MotionControl
		err = decodeStrict(data, &v)
		p = v
	case domain.CommandTypeEmail:
		var v Email
		err = decodeStrict(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", domain.ErrValidation, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", domain.ErrValidation, t, err)
	}
	if err := c.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", domain.ErrValidation, t, err)
	}
	return p, nil
}

// Encode validates p and returns its canonical encoding.
func (c *Codec) Encode(p Payload) ([]byte, error) {
	if err := c.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", domain.ErrValidation, p.CommandType(), err)
	}
	return json.Marshal(p)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
