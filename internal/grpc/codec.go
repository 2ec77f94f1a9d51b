// Package grpc binds the task manager to a gRPC service. Protobuf stubs are
// deliberately absent: the service descriptor is hand-written and messages
// travel as JSON, sharing the same tagged structs as the HTTP binding.
package grpc

import "encoding/json"

// Codec serializes gRPC messages as JSON. Registered on the server via
// ForceServerCodec; clients select it with ForceCodec.
type Codec struct{}

// Name identifies the codec in the grpc-encoding header.
func (Codec) Name() string { return "json" }

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
