package replica

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type op struct {
	Map     string `msgpack:"m"`
	Key     string `msgpack:"k"`
	Value   []byte `msgpack:"v,omitempty"`
	Deleted bool   `msgpack:"d,omitempty"`
	Clock   uint64 `msgpack:"c"`
	Client  uint64 `msgpack:"u"`
}

func (o op) item() item {
	return item{Value: o.Value, Deleted: o.Deleted, Clock: o.Clock, Client: o.Client}
}

type update struct {
	Ops []op `msgpack:"o"`
}

func encodeUpdate(u update) ([]byte, error) {
	data, err := msgpack.Marshal(&u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func decodeUpdate(data []byte) (update, error) {
	var u update
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return update{}, fmt.Errorf("decode update: %w", err)
	}
	for _, o := range u.Ops {
		if o.Map == "" || o.Clock == 0 {
			return update{}, fmt.Errorf("decode update: malformed op %q/%q", o.Map, o.Key)
		}
	}
	return u, nil
}

// ValidUpdate reports whether data decodes as an update.
func ValidUpdate(data []byte) bool {
	_, err := decodeUpdate(data)
	return err == nil
}
