package network

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pandablue0809/bittensor/neuron/data"
)

var kindCodes = map[data.Kind]codes.Code{
	data.KindMalformedMessage:  codes.InvalidArgument,
	data.KindUnauthenticated:   codes.Unauthenticated,
	data.KindReplayDetected:    codes.AlreadyExists,
	data.KindContractViolation: codes.FailedPrecondition,
	data.KindComputeFailed:     codes.Internal,
	data.KindBusy:              codes.ResourceExhausted,
	data.KindTimeout:           codes.DeadlineExceeded,
	data.KindUnreachable:       codes.Unavailable,
}

// ToStatus converts a handler error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := kindCodes[data.KindOf(err)]; ok {
		return status.Error(code, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// FromStatus maps an RPC error back onto the data error taxonomy.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return data.NewError(data.KindTimeout, "", err)
		}
		return data.NewError(data.KindUnreachable, "", err)
	}

	reason := st.Message()
	switch st.Code() {
	case codes.InvalidArgument:
		return data.Errorf(data.KindMalformedMessage, "%s", reason)
	case codes.Unauthenticated:
		return data.Errorf(data.KindUnauthenticated, "%s", reason)
	case codes.AlreadyExists:
		return data.Errorf(data.KindReplayDetected, "%s", reason)
	case codes.FailedPrecondition:
		return data.Errorf(data.KindContractViolation, "%s", reason)
	case codes.Internal:
		return data.Errorf(data.KindComputeFailed, "%s", reason)
	case codes.ResourceExhausted:
		return data.Errorf(data.KindBusy, "%s", reason)
	case codes.DeadlineExceeded, codes.Canceled:
		return data.Errorf(data.KindTimeout, "%s", reason)
	default:
		// Unavailable, Unimplemented and anything a foreign server sends.
		return data.NewError(data.KindUnreachable, st.Code().String(), err)
	}
}
