package resp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

type Type byte

// Limits follow the Redis defaults for inline protocol values.
const (
	MaxBulkLength  = 512 << 20
	MaxArrayLength = 1 << 20
)

const (
	SimpleString Type = '+'
	Error        Type = '-'
	Integer      Type = ':'
	BulkString   Type = '$'
	Array        Type = '*'
)

var (
	ErrInvalidType   = errors.New("invalid RESP type")
	ErrInvalidFormat = errors.New("invalid RESP format")
	ErrIncomplete    = errors.New("incomplete RESP value")
)

type Value struct {
	Type  Type
	Str   string
	Int   int64
	Array []Value
	Null  bool
}

type Parser struct {
	reader *bufio.Reader
}

func NewParser(r io.Reader) *Parser {
	return &Parser{
		reader: bufio.NewReader(r),
	}
}

// Decode reads one value from the front of buf and reports how many bytes
// it used. ErrIncomplete means buf holds only a prefix of a value.
func Decode(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, ErrIncomplete
	}

	src := bytes.NewReader(buf)
	p := NewParser(src)
	v, err := p.Parse()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Value{}, 0, ErrIncomplete
		}
		return Value{}, 0, err
	}

	consumed := len(buf) - src.Len() - p.reader.Buffered()
	return v, consumed, nil
}

func (p *Parser) Parse() (Value, error) {
	typeByte, err := p.reader.ReadByte()
	if err != nil {
		return Value{}, err
	}

	var v Value
	switch Type(typeByte) {
	case SimpleString:
		v, err = p.parseSimpleString()
	case Error:
		v, err = p.parseError()
	case Integer:
		v, err = p.parseInteger()
	case BulkString:
		v, err = p.parseBulkString()
	case Array:
		v, err = p.parseArray()
	default:
		return Value{}, fmt.Errorf("%w: %c", ErrInvalidType, typeByte)
	}

	// EOF is only clean between values.
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return v, err
}

func (p *Parser) parseSimpleString() (Value, error) {
	line, err := p.readLine()
	if err != nil {
		return Value{}, err
	}
	return Value{Type: SimpleString, Str: line}, nil
}

func (p *Parser) parseError() (Value, error) {
	line, err := p.readLine()
	if err != nil {
		return Value{}, err
	}
	return Value{Type: Error, Str: line}, nil
}

func (p *Parser) parseInteger() (Value, error) {
	line, err := p.readLine()
	if err != nil {
		return Value{}, err
	}

	num, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return Value{}, fmt.Errorf("%w: invalid integer", ErrInvalidFormat)
	}

	return Value{Type: Integer, Int: num}, nil
}

func (p *Parser) parseBulkString() (Value, error) {
	line, err := p.readLine()
	if err != nil {
		return Value{}, err
	}

	length, err := strconv.Atoi(line)
	if err != nil {
		return Value{}, fmt.Errorf("%w: invalid bulk string length", ErrInvalidFormat)
	}

	if length == -1 {
		return Value{Type: BulkString, Null: true}, nil
	}

	if length < -1 || length > MaxBulkLength {
		return Value{}, fmt.Errorf("%w: bulk string length %d out of range", ErrInvalidFormat, length)
	}

	if length == 0 {

		_, err := p.readLine()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: BulkString, Str: ""}, nil
	}

	buf := make([]byte, length)
	_, err = io.ReadFull(p.reader, buf)
	if err != nil {
		return Value{}, err
	}

	crlf := make([]byte, 2)
	_, err = io.ReadFull(p.reader, crlf)
	if err != nil {
		return Value{}, err
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return Value{}, fmt.Errorf("%w: missing CRLF after bulk string", ErrInvalidFormat)
	}

	return Value{Type: BulkString, Str: string(buf)}, nil
}

func (p *Parser) parseArray() (Value, error) {
	line, err := p.readLine()
	if err != nil {
		return Value{}, err
	}

	count, err := strconv.Atoi(line)
	if err != nil {
		return Value{}, fmt.Errorf("%w: invalid array length", ErrInvalidFormat)
	}

	if count == -1 {
		return Value{Type: Array, Null: true}, nil
	}

	if count < -1 || count > MaxArrayLength {
		return Value{}, fmt.Errorf("%w: array length %d out of range", ErrInvalidFormat, count)
	}

	if count == 0 {
		return Value{Type: Array, Array: []Value{}}, nil
	}

	array := make([]Value, count)
	for i := range count {
		val, err := p.Parse()
		if err != nil {
			return Value{}, err
		}
		array[i] = val
	}

	return Value{Type: Array, Array: array}, nil
}

func (p *Parser) readLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return "", err
	}

	if len(line) < 2 || line[len(line)-2] != '\r' || line[len(line)-1] != '\n' {
		return "", fmt.Errorf("%w: missing CRLF", ErrInvalidFormat)
	}

	return line[:len(line)-2], nil
}
