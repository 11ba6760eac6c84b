package resp

import (
	"bytes"
	"testing"
)

func TestSerialize(t *testing.T) {
	tests := []struct {
		name     string
		value    Value
		expected string
	}{
		{name: "ok", value: OKValue(), expected: "+OK\r\n"},
		{name: "error", value: ErrorValue("ERR unknown command"), expected: "-ERR unknown command\r\n"},
		{name: "integer", value: IntegerValue(-7), expected: ":-7\r\n"},
		{name: "true", value: BoolValue(true), expected: ":1\r\n"},
		{name: "false", value: BoolValue(false), expected: ":0\r\n"},
		{name: "bulk", value: BulkStringValue("twenty-one"), expected: "$10\r\ntwenty-one\r\n"},
		{name: "empty bulk", value: BulkStringValue(""), expected: "$0\r\n\r\n"},
		{name: "null bulk", value: NullBulkStringValue(), expected: "$-1\r\n"},
		{name: "empty array", value: ArrayValue(), expected: "*0\r\n"},
		{name: "null array", value: NullArrayValue(), expected: "*-1\r\n"},
		{
			name: "nested array",
			value: ArrayValue(
				BulkStringValue("11"),
				ArrayValue(BulkStringValue("eleven"), BulkStringValue("twenty-one")),
			),
			expected: "*2\r\n$2\r\n11\r\n*2\r\n$6\r\neleven\r\n$10\r\ntwenty-one\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			if err := NewSerializer(buf).Serialize(tt.value); err != nil {
				t.Fatalf("Serialize() error = %v", err)
			}
			if buf.String() != tt.expected {
				t.Errorf("Serialize() = %q, want %q", buf.String(), tt.expected)
			}
		})
	}
}

func TestSerializeInvalidType(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := NewSerializer(buf).Serialize(Value{Type: '?'}); err == nil {
		t.Error("Expected error for unknown type")
	}
}

func TestEncodeCommand(t *testing.T) {
	data, err := Encode(Command("INSERT", "1", "one"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	expected := "*3\r\n$6\r\nINSERT\r\n$1\r\n1\r\n$3\r\none\r\n"
	if string(data) != expected {
		t.Errorf("Encode() = %q, want %q", data, expected)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []Value{
		OKValue(),
		ErrorValue("ERR test"),
		IntegerValue(42),
		BulkStringValue("hello"),
		NullBulkStringValue(),
		Command("REHASH", "prime"),
		ArrayValue(IntegerValue(1), ArrayValue(SimpleStringValue("nested"))),
	}

	for i, original := range tests {
		t.Run(string(rune('A'+i)), func(t *testing.T) {
			data, err := Encode(original)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			parsed, n, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n != len(data) {
				t.Errorf("Decode() consumed %d of %d bytes", n, len(data))
			}
			if !valuesEqual(original, parsed) {
				t.Errorf("Round trip failed: original = %+v, parsed = %+v", original, parsed)
			}
		})
	}
}
