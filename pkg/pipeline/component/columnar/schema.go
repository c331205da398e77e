package columnar

import (
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"

	"github.com/tigerroll/logstats/pkg/pipeline/component/flatten"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

// Physical column types.
const (
	typeBoolean = "BOOLEAN"
	typeInt64   = "INT64"
	typeDouble  = "DOUBLE"
	typeUTF8    = "UTF8"
	typeBytes   = "BYTES"
)

// columnMeta is stored as JSON in the footer under MetadataKey. Parquet column names are
// positional (c0, c1, ...) because flattened paths contain characters the schema
// parser does not accept.
type columnMeta struct {
	Path string       `json:"path"`
	Kind flatten.Kind `json:"kind"`
	Type string       `json:"type"`
}

func (m columnMeta) schemaLine(i int) string {
	switch m.Type {
	case typeUTF8:
		return fmt.Sprintf("name=c%d, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", i)
	case typeBytes:
		return fmt.Sprintf("name=c%d, type=BYTE_ARRAY, repetitiontype=OPTIONAL", i)
	default:
		return fmt.Sprintf("name=c%d, type=%s, repetitiontype=OPTIONAL", i, m.Type)
	}
}

// physicalType returns the column type for a flattened value.
func physicalType(v any) (string, bool) {
	switch v.(type) {
	case bool:
		return typeBoolean, true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return typeInt64, true
	case float32, float64:
		return typeDouble, true
	case string:
		return typeUTF8, true
	case []byte:
		return typeBytes, true
	}
	return "", false
}

func kindType(kind flatten.Kind) string {
	switch kind.Family() {
	case flatten.KindBool:
		return typeBoolean
	case flatten.KindInt, flatten.KindUint:
		return typeInt64
	case flatten.KindFloat:
		return typeDouble
	case flatten.KindBytes:
		return typeBytes
	}
	return typeUTF8
}

// inferColumn picks the column type from its first non-null value and converts the
// values to the writer's representation. Values the type cannot hold demote the whole
// column to strings.
func inferColumn(col flatten.Column) (columnMeta, []any) {
	meta := columnMeta{Path: col.Path, Kind: col.Kind}
	for _, v := range col.Values {
		if v == nil {
			continue
		}
		t, ok := physicalType(v)
		switch {
		case !ok:
			logger.Warnf("Column '%s' holds unsupported %T values; storing it as string.", col.Path, v)
			return demote(meta, col.Values)
		case meta.Type == "":
			meta.Type = t
		case meta.Type != t:
			logger.Warnf("Column '%s' mixes %s and %s values; storing it as string.", col.Path, meta.Type, t)
			return demote(meta, col.Values)
		}
	}
	if meta.Type == "" {
		meta.Type = kindType(col.Kind)
	}

	values := make([]any, len(col.Values))
	for i, v := range col.Values {
		values[i] = toPhysical(meta.Type, v)
	}
	return meta, values
}

func demote(meta columnMeta, in []any) (columnMeta, []any) {
	meta.Type = typeUTF8
	meta.Kind = flatten.KindString
	values := make([]any, len(in))
	for i, v := range in {
		switch x := v.(type) {
		case nil:
		case string:
			values[i] = x
		case []byte:
			values[i] = string(x)
		default:
			values[i] = fmt.Sprint(x)
		}
	}
	return meta, values
}

func toPhysical(typ string, v any) any {
	if v == nil {
		return nil
	}
	switch typ {
	case typeInt64:
		switch x := v.(type) {
		case int:
			return int64(x)
		case int8:
			return int64(x)
		case int16:
			return int64(x)
		case int32:
			return int64(x)
		case uint:
			return int64(x)
		case uint8:
			return int64(x)
		case uint16:
			return int64(x)
		case uint32:
			return int64(x)
		case uint64:
			return int64(x)
		}
	case typeDouble:
		if x, ok := v.(float32); ok {
			return float64(x)
		}
	case typeBytes:
		if x, ok := v.([]byte); ok {
			return string(x)
		}
	}
	return v
}

// fromPhysical converts a value read from the file back to its flattened form.
func fromPhysical(meta columnMeta, v any) any {
	if v == nil {
		return nil
	}
	switch {
	case meta.Type == typeInt64 && meta.Kind.Family() == flatten.KindUint:
		if x, ok := v.(int64); ok {
			return uint64(x)
		}
	case meta.Type == typeBytes:
		if x, ok := v.(string); ok {
			return []byte(x)
		}
	}
	return v
}

func compressionCodec(compressionType string) (parquet.CompressionCodec, error) {
	switch strings.ToUpper(compressionType) {
	case "SNAPPY":
		return parquet.CompressionCodec_SNAPPY, nil
	case "GZIP":
		return parquet.CompressionCodec_GZIP, nil
	case "NONE", "":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	default:
		return 0, fmt.Errorf("unsupported compression type: %s", compressionType)
	}
}
