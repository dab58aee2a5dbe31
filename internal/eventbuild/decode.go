package eventbuild

import (
	"fmt"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/0xkanth/omnisync/pkg/types"
)

// decodeLog decodes a log's indexed topics and non-indexed data against an
// ABI event definition, generalizing the teacher's internal/handler/
// events.go manual big.Int byte-slicing (fixed to two known event shapes)
// into ABI-driven decoding that works for any event.
func decodeLog(ev *abi.Event, l ethtypes.Log) (map[string]types.Value, error) {
	out := make(map[string]types.Value, len(ev.Inputs))

	indexed := ev.Inputs.Indexed()
	topicIdx := 1 // topics[0] is the event signature hash
	for _, arg := range indexed {
		if topicIdx >= len(l.Topics) {
			return nil, fmt.Errorf("log %s: missing topic for indexed field %q", l.TxHash, arg.Name)
		}
		out[arg.Name] = decodeIndexedTopic(arg.Type, l.Topics[topicIdx])
		topicIdx++
	}

	nonIndexed := ev.Inputs.NonIndexed()
	if len(nonIndexed) > 0 {
		values, err := nonIndexed.Unpack(l.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack non-indexed fields: %w", err)
		}
		for i, arg := range nonIndexed {
			if i >= len(values) {
				break
			}
			out[arg.Name] = convertABIValue(values[i])
		}
	}

	return out, nil
}

// decodeIndexedTopic recovers the value for simple indexed types directly
// from the 32-byte topic word; reference/dynamic types (string, bytes,
// arrays) are hashed by the EVM and so are only recoverable as their raw
// topic hash.
func decodeIndexedTopic(t abi.Type, topic common.Hash) types.Value {
	switch t.T {
	case abi.AddressTy:
		return types.HexValue(common.BytesToAddress(topic.Bytes()).Hex())
	case abi.BoolTy:
		return types.BoolValue(topic.Big().Sign() != 0)
	case abi.IntTy, abi.UintTy:
		return types.BigIntValue(topic.Big())
	default:
		return types.HexValue(topic.Hex())
	}
}

// convertABIValue renders a decoded Go value (as returned by
// abi.Arguments.Unpack) into the Value sum type.
func convertABIValue(v interface{}) types.Value {
	switch vv := v.(type) {
	case *big.Int:
		return types.BigIntValue(vv)
	case common.Address:
		return types.HexValue(vv.Hex())
	case bool:
		return types.BoolValue(vv)
	case string:
		return types.StringValue(vv)
	case []byte:
		return types.BytesValue(vv)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(buf), rv)
			return types.BytesValue(buf)
		}
		fallthrough
	case reflect.Slice:
		list := make([]types.Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			list[i] = convertABIValue(rv.Index(i).Interface())
		}
		return types.ListValue(list)
	case reflect.Struct:
		fields := make(map[string]types.Value, rv.NumField())
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			fields[t.Field(i).Name] = convertABIValue(rv.Field(i).Interface())
		}
		return types.StructValue(fields)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return types.IntValue(int64(rv.Uint()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return types.IntValue(rv.Int())
	default:
		return types.StringValue(fmt.Sprintf("%v", v))
	}
}

// decodeTransaction decodes a transaction's calldata against an ABI method.
func decodeTransaction(m *abi.Method, data []byte) (map[string]types.Value, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("calldata too short for method %s", m.Name)
	}
	values, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack method %s inputs: %w", m.Name, err)
	}
	out := make(map[string]types.Value, len(m.Inputs))
	for i, arg := range m.Inputs {
		if i >= len(values) {
			break
		}
		out[arg.Name] = convertABIValue(values[i])
	}
	return out, nil
}
