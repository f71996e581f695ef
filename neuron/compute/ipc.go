package compute

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/pandablue0809/bittensor/neuron/data"
)

// Codec turns tensor lists into Arrow IPC streams of one record and back.
type Codec struct {
	allocator memory.Allocator
	converter *data.Converter
}

// NewCodec creates a Codec backed by mem. A nil allocator selects the
// default one.
func NewCodec(mem memory.Allocator) *Codec {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Codec{allocator: mem, converter: data.NewConverterWithAllocator(mem)}
}

// Encode serializes tensors to IPC bytes.
func (c *Codec) Encode(tensors []data.Tensor) ([]byte, error) {
	record, err := c.converter.TensorsToRecord(tensors)
	if err != nil {
		return nil, fmt.Errorf("failed to convert tensors: %w", err)
	}
	defer record.Release()
	return SerializeRecord(record, c.allocator)
}

// Decode parses IPC bytes produced by Encode.
func (c *Codec) Decode(payload []byte) ([]data.Tensor, error) {
	record, err := DeserializeRecord(payload, c.allocator)
	if err != nil {
		return nil, err
	}
	defer record.Release()
	return c.converter.RecordToTensors(record)
}

// SerializeRecord serializes an Arrow Record to IPC stream bytes.
func SerializeRecord(record arrow.Record, mem memory.Allocator) ([]byte, error) {
	var buf bytes.Buffer

	writer := ipc.NewWriter(&buf, ipc.WithSchema(record.Schema()), ipc.WithAllocator(mem))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	return buf.Bytes(), nil
}

// DeserializeRecord reads the first record of an IPC stream. The caller
// owns the returned record.
func DeserializeRecord(payload []byte, mem memory.Allocator) (arrow.Record, error) {
	if len(payload) == 0 {
		return nil, errors.New("received empty data")
	}

	reader, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to create IPC reader: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if reader.Err() != nil {
			return nil, fmt.Errorf("error reading Arrow stream: %w", reader.Err())
		}
		return nil, errors.New("no records in IPC data")
	}

	record := reader.Record()
	record.Retain()
	return record, nil
}
