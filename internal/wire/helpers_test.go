package wire_test

import (
	"bytes"
	"encoding/json"
	"testing"
)

func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalJSON(t *testing.T, data []byte) interface{} {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v
}
