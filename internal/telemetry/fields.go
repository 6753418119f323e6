// Package telemetry holds the node report model shared by the gateway and
// the bridge: the field enumeration, node identity, payload validation and
// the mapping from decoded payloads to storage points.
package telemetry

// Field is the integer key a node uses for a measurement on the wire.
type Field uint64

const (
	TempHot      Field = 1
	TempCool     Field = 2
	Humidity     Field = 3
	BatteryV     Field = 4
	HeaterDuty   Field = 5
	LightDuty    Field = 6
	SafetyStatus Field = 7
)

var fieldNames = map[Field]string{
	TempHot:      "temp_hot",
	TempCool:     "temp_cool",
	Humidity:     "humidity",
	BatteryV:     "battery_v",
	HeaterDuty:   "heater_duty",
	LightDuty:    "light_duty",
	SafetyStatus: "safety_status",
}

// Name returns the storage field name, or "" for an unknown key.
func (f Field) Name() string {
	return fieldNames[f]
}

// Known reports whether f is one of the seven report fields.
func (f Field) Known() bool {
	_, ok := fieldNames[f]
	return ok
}

// Fields returns the known fields in key order.
func Fields() []Field {
	return []Field{TempHot, TempCool, Humidity, BatteryV, HeaterDuty, LightDuty, SafetyStatus}
}
