// SPDX-License-Identifier: MIT
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	applog "specrec/internal/log"
	"specrec/internal/transport"
)

/*
Packet layout, big endian:

|<---- 4 Bytes ---->|<------ 8 Bytes ------>|<-- 2 Bytes -->|<----- N * 4 Bytes ----->|
+-------------------+-----------------------+---------------+-------------------------+
|  Sequence Number  |       Timestamp       |   Magnitude   |       Magnitudes        |
|      (uint32)     |  (int64, ns of epoch) |     Count     |      (N * float32)      |
+-------------------+-----------------------+---------------+-------------------------+
*/

// headerSize is the size of the fixed packet header in bytes.
const headerSize = 4 + 8 + 2

// ErrShortPacket is returned by DecodePacket for truncated input.
var ErrShortPacket = errors.New("udp: short packet")

// Packet is one decoded magnitude packet.
type Packet struct {
	Sequence   uint32
	Timestamp  time.Time
	Magnitudes []float32
}

// DecodePacket parses a packet produced by UDPPublisher.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < headerSize {
		return Packet{}, ErrShortPacket
	}
	p := Packet{
		Sequence:  binary.BigEndian.Uint32(b[0:4]),
		Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(b[4:12]))),
	}
	n := int(binary.BigEndian.Uint16(b[12:14]))
	if len(b) < headerSize+4*n {
		return Packet{}, fmt.Errorf("%w: %d magnitudes announced, %d bytes", ErrShortPacket, n, len(b))
	}
	p.Magnitudes = make([]float32, n)
	for i := range p.Magnitudes {
		off := headerSize + 4*i
		p.Magnitudes[i] = math.Float32frombits(binary.BigEndian.Uint32(b[off : off+4]))
	}
	return p, nil
}

// UDPPublisher periodically reads the latest magnitude spectrum from a
// provider and sends it as one packet over UDP.
type UDPPublisher struct {
	sender   *UDPSender
	provider transport.SpectrumProvider
	interval time.Duration

	mu       sync.Mutex // Protects ticker and doneChan during Start/Stop.
	ticker   *time.Ticker
	doneChan chan struct{}
	wg       sync.WaitGroup

	sequenceNum uint32

	// Reused on every tick.
	magBuffer []float64
	packet    []byte
}

// NewUDPPublisher creates a publisher. An interval <= 0 defaults to 16ms.
func NewUDPPublisher(interval time.Duration, sender *UDPSender, provider transport.SpectrumProvider) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("UDPPublisher: UDP sender cannot be nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("UDPPublisher: spectrum provider cannot be nil")
	}
	bins := provider.Bins()
	if bins > math.MaxUint16 {
		return nil, fmt.Errorf("UDPPublisher: %d bins do not fit a packet", bins)
	}

	if interval <= 0 {
		interval = 16 * time.Millisecond
		applog.Warnf("UDPPublisher: Invalid interval provided, defaulting to %s", interval)
	}

	applog.Infof("UDPPublisher: Initializing (Interval: %s, Bins: %d)", interval, bins)
	return &UDPPublisher{
		sender:    sender,
		provider:  provider,
		interval:  interval,
		magBuffer: make([]float64, bins),
		packet:    make([]byte, 0, headerSize+4*bins),
	}, nil
}

// Start begins the periodic publishing process. Calling Start on a running
// publisher is a no-op.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		applog.Warnf("UDPPublisher: Start called but already running.")
		return
	}
	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	ticker, doneChan := p.ticker, p.doneChan
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ticker.C:
				p.publish()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop ends publishing and waits for the goroutine to exit. It is safe to
// call Stop more than once.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}
	close(p.doneChan)
	p.ticker.Stop()
	p.ticker = nil
	p.mu.Unlock()

	p.wg.Wait()
	applog.Debugf("UDPPublisher: Stopped after %d packets", p.sequenceNum)
	return nil
}

// publish builds one packet from the provider's current spectrum and sends it.
func (p *UDPPublisher) publish() {
	if err := p.provider.MagnitudesInto(p.magBuffer); err != nil {
		applog.Errorf("UDPPublisher: Error getting magnitudes: %v", err)
		return
	}

	p.sequenceNum++
	b := p.packet[:0]
	b = binary.BigEndian.AppendUint32(b, p.sequenceNum)
	b = binary.BigEndian.AppendUint64(b, uint64(time.Now().UnixNano()))
	b = binary.BigEndian.AppendUint16(b, uint16(len(p.magBuffer)))
	for _, v := range p.magBuffer {
		b = binary.BigEndian.AppendUint32(b, math.Float32bits(float32(v)))
	}
	p.packet = b

	if err := p.sender.Send(b); err == nil {
		applog.Debugf("UDPPublisher: Sent packet %d (%d bytes)", p.sequenceNum, len(b))
	}
}

// Close stops the publisher and closes its sender.
func (p *UDPPublisher) Close() error {
	return errors.Join(p.Stop(), p.sender.Close())
}

var _ interface{ Close() error } = (*UDPPublisher)(nil)
