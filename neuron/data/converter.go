package data

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Field metadata keys carried by every tensor column.
const (
	MetaShape = "shape"
	MetaDType = "dtype"
)

// Converter maps tensors to and from Arrow records so they can cross the
// compute bridge as IPC streams.
type Converter struct {
	allocator memory.Allocator
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return &Converter{allocator: memory.DefaultAllocator}
}

// NewConverterWithAllocator creates a Converter with a custom allocator.
func NewConverterWithAllocator(mem memory.Allocator) *Converter {
	return &Converter{allocator: mem}
}

// ArrowType returns the Arrow element type for d.
func ArrowType(d DType) (arrow.DataType, error) {
	switch d {
	case DTypeFloat32:
		return arrow.PrimitiveTypes.Float32, nil
	case DTypeFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case DTypeInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case DTypeInt64:
		return arrow.PrimitiveTypes.Int64, nil
	default:
		return nil, fmt.Errorf("dtype %s has no arrow type", d)
	}
}

// TensorSchema returns the record schema for a list of tensor definitions:
// one list<elem> column per tensor, shape and dtype kept in field metadata.
func TensorSchema(defs []TensorDef) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(defs))
	for i, def := range defs {
		elem, err := ArrowType(def.DType)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{
			Name:     "tensor_" + strconv.Itoa(i),
			Type:     arrow.ListOf(elem),
			Nullable: false,
			Metadata: arrow.NewMetadata(
				[]string{MetaShape, MetaDType},
				[]string{formatShape(def.Shape), def.DType.String()},
			),
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

// TensorsToRecord converts tensors to a single-row record.
func (c *Converter) TensorsToRecord(tensors []Tensor) (arrow.Record, error) {
	if len(tensors) == 0 {
		return nil, errors.New("empty tensor slice")
	}

	defs := make([]TensorDef, len(tensors))
	for i, t := range tensors {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		defs[i] = t.Def
	}
	schema, err := TensorSchema(defs)
	if err != nil {
		return nil, err
	}

	builder := array.NewRecordBuilder(c.allocator, schema)
	defer builder.Release()

	for i, t := range tensors {
		lb := builder.Field(i).(*array.ListBuilder)
		lb.Append(true)
		switch vb := lb.ValueBuilder().(type) {
		case *array.Float32Builder:
			vb.AppendValues(arrow.Float32Traits.CastFromBytes(t.Buffer), nil)
		case *array.Float64Builder:
			vb.AppendValues(arrow.Float64Traits.CastFromBytes(t.Buffer), nil)
		case *array.Int32Builder:
			vb.AppendValues(arrow.Int32Traits.CastFromBytes(t.Buffer), nil)
		case *array.Int64Builder:
			vb.AppendValues(arrow.Int64Traits.CastFromBytes(t.Buffer), nil)
		default:
			return nil, fmt.Errorf("tensor %d: unsupported builder %T", i, vb)
		}
	}

	return builder.NewRecord(), nil
}

// RecordToTensors converts a record produced by TensorsToRecord back to
// tensors.
func (c *Converter) RecordToTensors(record arrow.Record) ([]Tensor, error) {
	if record == nil {
		return nil, errors.New("record is nil")
	}
	if record.NumRows() != 1 {
		return nil, fmt.Errorf("invalid record: expected 1 row, got %d", record.NumRows())
	}

	schema := record.Schema()
	out := make([]Tensor, record.NumCols())
	for i := 0; i < int(record.NumCols()); i++ {
		def, err := fieldDef(schema.Field(i))
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}

		list, ok := record.Column(i).(*array.List)
		if !ok {
			return nil, fmt.Errorf("column %d (%s) is not a List array", i, schema.Field(i).Name)
		}
		start, end := list.ValueOffsets(0)
		values := array.NewSlice(list.ListValues(), start, end)
		buf, err := valueBytes(values)
		values.Release()
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}

		out[i] = Tensor{Buffer: buf, Def: def}
		if err := out[i].Validate(); err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
	}
	return out, nil
}

func valueBytes(arr arrow.Array) ([]byte, error) {
	var raw []byte
	switch a := arr.(type) {
	case *array.Float32:
		raw = arrow.Float32Traits.CastToBytes(a.Float32Values())
	case *array.Float64:
		raw = arrow.Float64Traits.CastToBytes(a.Float64Values())
	case *array.Int32:
		raw = arrow.Int32Traits.CastToBytes(a.Int32Values())
	case *array.Int64:
		raw = arrow.Int64Traits.CastToBytes(a.Int64Values())
	default:
		return nil, fmt.Errorf("unsupported value array %T", arr)
	}
	return append([]byte(nil), raw...), nil
}

func fieldDef(f arrow.Field) (TensorDef, error) {
	var def TensorDef
	idx := f.Metadata.FindKey(MetaDType)
	if idx < 0 {
		return def, errors.New("missing dtype metadata")
	}
	dtype, err := ParseDType(f.Metadata.Values()[idx])
	if err != nil {
		return def, err
	}
	def.DType = dtype

	idx = f.Metadata.FindKey(MetaShape)
	if idx < 0 {
		return def, errors.New("missing shape metadata")
	}
	if def.Shape, err = parseShape(f.Metadata.Values()[idx]); err != nil {
		return def, err
	}
	return def, nil
}

func formatShape(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	shape := make([]int64, len(parts))
	for i, p := range parts {
		d, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad shape %q: %w", s, err)
		}
		shape[i] = d
	}
	return shape, nil
}

// ValidateSchema checks if a record matches the expected schema.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
		if actualField.Metadata.String() != expectedField.Metadata.String() {
			return fmt.Errorf("field %s metadata mismatch: got %s, expected %s",
				actualField.Name, actualField.Metadata, expectedField.Metadata)
		}
	}

	return nil
}
