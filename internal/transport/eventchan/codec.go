// Package eventchan carries the identity-addressed event channel between the
// controller and its nodes over one bidirectional gRPC stream per node.
// Frames are opaque byte strings; the node identity travels in metadata.
package eventchan

import (
	"fmt"

	"google.golang.org/grpc"
)

const (
	codecName   = "soundloc-frame"
	identityKey = "x-node-identity"
	serviceName = "soundloc.v1.EventChannel"
	connectPath = "/" + serviceName + "/Connect"
)

// frame is the single message type on the wire.
type frame struct {
	payload []byte
}

// frameCodec passes frame payloads through unchanged.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("marshal: unexpected message type %T", v)
	}
	return f.payload, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("unmarshal: unexpected message type %T", v)
	}
	f.payload = append([]byte(nil), data...)
	return nil
}

func (frameCodec) Name() string {
	return codecName
}

type connectServer interface {
	connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(connectServer).connect(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*connectServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "soundloc/v1/event_channel",
}
