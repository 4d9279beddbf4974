package types

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/polydawn/refmt/obj/atlas"
	"golang.org/x/xerrors"
)

func init() {
	cbor.RegisterCborType(atlas.BuildEntry(Message{}).Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(
			func(m Message) ([]interface{}, error) {
				return []interface{}{
					m.To.Bytes(),
					m.From.Bytes(),
					m.Nonce,
					m.Value,
					uint64(m.GasLimit),
					uint64(m.Method),
					m.Params,
				}, nil
			})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(
			func(arr []interface{}) (Message, error) {
				to, err := address.NewFromBytes(arr[0].([]byte))
				if err != nil {
					return Message{}, err
				}

				from, err := address.NewFromBytes(arr[1].([]byte))
				if err != nil {
					return Message{}, err
				}

				nonce, ok := arr[2].(uint64)
				if !ok {
					return Message{}, xerrors.New("expected uint64 nonce at index 2")
				}

				value, _ := arr[3].(BigInt)
				if value.Nil() {
					value = NewInt(0)
				}

				gasLimit, _ := arr[4].(uint64)
				method, _ := arr[5].(uint64)
				params, _ := arr[6].([]byte)

				return Message{
					To:       to,
					From:     from,
					Nonce:    nonce,
					Value:    value,
					GasLimit: int64(gasLimit),
					Method:   abi.MethodNum(method),
					Params:   params,
				}, nil
			})).
		Complete())
}

type Message struct {
	To   address.Address
	From address.Address

	Nonce uint64

	Value BigInt

	GasLimit int64

	Method abi.MethodNum
	Params []byte
}

func DecodeMessage(b []byte) (*Message, error) {
	var msg Message
	if err := cbor.DecodeInto(b, &msg); err != nil {
		return nil, err
	}

	return &msg, nil
}

func (m *Message) Serialize() ([]byte, error) {
	return cbor.DumpObject(m)
}

// ChainLength is the serialized size of the message, used for inclusion
// gas pricing.
func (m *Message) ChainLength() (int, error) {
	ser, err := m.Serialize()
	if err != nil {
		return 0, err
	}
	return len(ser), nil
}

// ValidForExecution rejects messages that can never execute regardless of
// state: unset addresses, negative or missing value, non-positive gas limit.
func (m *Message) ValidForExecution() error {
	if m.To == address.Undef {
		return xerrors.New("message had undefined 'to' address")
	}
	if m.From == address.Undef {
		return xerrors.New("message had undefined 'from' address")
	}
	if m.Value.Nil() {
		return xerrors.New("message value was nil")
	}
	if m.Value.LessThan(NewInt(0)) {
		return xerrors.New("message value was negative")
	}
	if m.GasLimit <= 0 {
		return xerrors.New("message gas limit was not positive")
	}
	return nil
}
