package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	emptySlice   []byte
	bufferLength int
	Pool         *rp.RingPool
)

func SetEmptySlice(length int) {
	emptySlice = make([]byte, length)
}

// Payload represents one fragment's byte buffer, pooled so that reassembly
// can return it the moment the bytes are copied into a completed message.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element buffer of bufferLength bytes.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Warning("NewPayload: Invalid number of calling parameters. Should be only one: bufferLength")
		return nil
	}

	pBufferLength, ok := params[0].(int)
	if !ok || pBufferLength <= 0 {
		pBufferLength = bufferLength
	}

	if len(emptySlice) == 0 { // initialize it
		SetEmptySlice(pBufferLength)
	}

	return &Payload{
		payloadBytes: make([]byte, pBufferLength),
	}
}

// set the content of the payload
func (p *Payload) SetContent(s string) {
	p.payloadBytes = []byte(s)
	p.length = len(s)
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		err := fmt.Errorf("Payload Copy: Source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
		return err
	}
	if len(src) == 0 {
		err := fmt.Errorf("Payload Copy: Source byte slice is empty")
		return err
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
