package log

import (
	"time"
)

// Duration creates a duration field
func Duration(key string, val time.Duration) Field {
	return Field{Key: key, Value: val.String()}
}

// Time creates a time field
func Time(key string, val time.Time) Field {
	return Field{Key: key, Value: val.Format(time.RFC3339Nano)}
}

// Strings creates a string slice field
func Strings(key string, val []string) Field {
	return Field{Key: key, Value: val}
}

// Service creates a service field
func Service(name string) Field {
	return String("service", name)
}

// InstanceID creates an instance_id field
func InstanceID(id string) Field {
	return String("instance_id", id)
}

// Reporter creates a reporter field
func Reporter(kind string) Field {
	return String("reporter", kind)
}

// Check creates a check field
func Check(name string) Field {
	return String("check", name)
}

// Endpoint creates an endpoint field
func Endpoint(host string, port int) Field {
	return Field{Key: "endpoint", Value: map[string]interface{}{"host": host, "port": port}}
}
