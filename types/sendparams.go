package types

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/polydawn/refmt/obj/atlas"
)

func init() {
	cbor.RegisterCborType(atlas.BuildEntry(SendParams{}).Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(
			func(sp SendParams) ([]interface{}, error) {
				return []interface{}{
					sp.To.Bytes(),
					uint64(sp.Method),
					sp.Value,
					sp.Params,
				}, nil
			})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
			func(arr []interface{}) (SendParams, error) {
				to, err := address.NewFromBytes(arr[0].([]byte))
				if err != nil {
					return SendParams{}, err
				}

				method, _ := arr[1].(uint64)
				value, _ := arr[2].(BigInt)
				if value.Nil() {
					value = NewInt(0)
				}
				params, _ := arr[3].([]byte)

				return SendParams{
					To:     to,
					Method: abi.MethodNum(method),
					Value:  value,
					Params: params,
				}, nil
			})).
		Complete())
}

// SendParams is the wire form of the send syscall's argument blob.
type SendParams struct {
	To     address.Address
	Method abi.MethodNum
	Value  BigInt
	Params []byte
}

func DecodeSendParams(b []byte) (*SendParams, error) {
	var sp SendParams
	if err := cbor.DecodeInto(b, &sp); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (sp *SendParams) Serialize() ([]byte, error) {
	return cbor.DumpObject(sp)
}
