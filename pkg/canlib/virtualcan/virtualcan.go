package virtualcan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samsamfire/canhost"
	"github.com/samsamfire/canhost/pkg/canlib"
	log "github.com/sirupsen/logrus"
)

// canlib driver on top of a virtual CAN bus over TCP.
// This needs a broker server that forwards CAN frames to all connected clients
// More information : https://github.com/windelbouwman/virtualcan
// Each open handle is a separate client connection, a broker is a single bus (channel 0).

func init() {
	canlib.RegisterDriver("virtualcan", func() (canlib.Driver, error) {
		return New(DefaultAddress), nil
	})
}

const (
	DefaultAddress    = "localhost:18000"
	DefaultRxCapacity = 1024
	dialTimeout       = time.Second
	writeTimeout      = 10 * time.Millisecond
)

// Frame as exchanged with the broker, big endian & prefixed by its length (uint32)
type wireFrame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

// Helper function for serializing a CAN frame into the expected binary format
func serializeFrame(frame wireFrame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	err := binary.Write(buffer, binary.BigEndian, frame)
	if err != nil {
		return nil, err
	}
	dataBytes := buffer.Bytes()
	frameBytes := make([]byte, 4, 4+len(dataBytes))
	binary.BigEndian.PutUint32(frameBytes, uint32(len(dataBytes)))
	return append(frameBytes, dataBytes...), nil
}

// Read one length prefixed frame
func readFrame(r io.Reader) (wireFrame, error) {
	var frame wireFrame
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return frame, err
	}
	length := binary.BigEndian.Uint32(header)
	if length != uint32(binary.Size(frame)) {
		return frame, fmt.Errorf("error deserializing : expected %v bytes, got length %v", binary.Size(frame), length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame, err
	}
	err := binary.Read(bytes.NewReader(payload), binary.BigEndian, &frame)
	return frame, err
}

type message struct {
	info canlib.RxInfo
	data [8]byte
}

type client struct {
	conn   net.Conn
	onBus  atomic.Bool
	rx     chan message
	closed chan struct{}
	wg     sync.WaitGroup
}

type Driver struct {
	mu       sync.Mutex
	address  string
	start    time.Time
	handles  map[canlib.Handle]*client
	next     canlib.Handle
	overruns atomic.Uint64
}

var _ canlib.Driver = (*Driver)(nil)

// Create a driver for the broker at address e.g. localhost:18000
func New(address string) *Driver {
	return &Driver{address: address, start: time.Now(), handles: make(map[canlib.Handle]*client)}
}

func (d *Driver) now() int64 {
	return time.Since(d.start).Milliseconds()
}

func (d *Driver) InitializeLibrary() {}

// No versioning for virtualcan
func (d *Driver) GetVersion(selector int) int {
	return 0
}

func (d *Driver) GetChannelCount() (int, canlib.Status) {
	return 1, canlib.StatusOK
}

// "Connect" to the broker
func (d *Driver) OpenChannel(channel int, flags int) canlib.Handle {
	if channel != 0 {
		return canlib.Handle(canlib.StatusNotFound)
	}
	conn, err := net.DialTimeout("tcp", d.address, dialTimeout)
	if err != nil {
		log.Warnf("[VIRTUALCAN] unable to connect to %v : %v", d.address, err)
		return canlib.Handle(canlib.StatusNotFound)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	c := &client{conn: conn, rx: make(chan message, DefaultRxCapacity), closed: make(chan struct{})}
	d.mu.Lock()
	h := d.next
	d.next++
	d.handles[h] = c
	d.mu.Unlock()

	c.wg.Add(1)
	go d.handleReception(c)
	log.Debugf("[VIRTUALCAN] connected to %v, handle %v", d.address, h)
	return h
}

// Handle incoming traffic, frames received while bus off are discarded
func (d *Driver) handleReception(c *client) {
	defer c.wg.Done()
	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Errorf("[VIRTUALCAN] listening routine has closed because : %v", err)
			}
			return
		}
		if !c.onBus.Load() {
			continue
		}
		msg := message{
			info: canlib.RxInfo{ID: frame.ID, DLC: int(frame.DLC), Flags: uint32(frame.Flags), Timestamp: d.now()},
			data: frame.Data,
		}
		select {
		case c.rx <- msg:
		default:
			d.overruns.Add(1)
		}
	}
}

func (d *Driver) get(h canlib.Handle) (*client, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.handles[h]
	return c, ok
}

// Bit rate is meaningless on a virtual bus
func (d *Driver) SetBusParams(h canlib.Handle, bitrate int, tseg1, tseg2, sjw, noSamp int) canlib.Status {
	if _, ok := d.get(h); !ok {
		return canlib.StatusInvHandle
	}
	return canlib.StatusOK
}

func (d *Driver) BusOn(h canlib.Handle) canlib.Status {
	c, ok := d.get(h)
	if !ok {
		return canlib.StatusInvHandle
	}
	c.onBus.Store(true)
	return canlib.StatusOK
}

func (d *Driver) BusOff(h canlib.Handle) canlib.Status {
	c, ok := d.get(h)
	if !ok {
		return canlib.StatusInvHandle
	}
	c.onBus.Store(false)
	return canlib.StatusOK
}

// "Disconnect" from the broker
func (d *Driver) Close(h canlib.Handle) canlib.Status {
	d.mu.Lock()
	c, ok := d.handles[h]
	delete(d.handles, h)
	d.mu.Unlock()
	if !ok {
		return canlib.StatusInvHandle
	}
	c.close()
	return canlib.StatusOK
}

func (c *client) close() {
	close(c.closed)
	c.conn.Close()
	c.wg.Wait()
}

func (d *Driver) Write(h canlib.Handle, id uint32, data *[8]byte, dlc int, flags uint32) canlib.Status {
	if data == nil || dlc < 0 || dlc > canhost.MaxDataLength {
		return canlib.StatusErrParam
	}
	c, ok := d.get(h)
	if !ok {
		return canlib.StatusInvHandle
	}
	if !c.onBus.Load() {
		return canlib.StatusErrParam
	}
	frameBytes, err := serializeFrame(wireFrame{ID: id, Flags: uint8(flags), DLC: uint8(dlc), Data: *data})
	if err != nil {
		return canlib.StatusErrParam
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.conn.Write(frameBytes)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return canlib.StatusTxBufOverflow
	}
	if err != nil {
		log.Warnf("[VIRTUALCAN] write failed : %v", err)
		return canlib.StatusHardware
	}
	return canlib.StatusOK
}

func (d *Driver) ReadWait(h canlib.Handle, data *[8]byte, timeoutMs int) (canlib.RxInfo, canlib.Status) {
	if data == nil {
		return canlib.RxInfo{}, canlib.StatusErrParam
	}
	c, ok := d.get(h)
	if !ok {
		return canlib.RxInfo{}, canlib.StatusInvHandle
	}
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case msg := <-c.rx:
		*data = msg.data
		return msg.info, canlib.StatusOK
	case <-timer.C:
		return canlib.RxInfo{}, canlib.StatusNoMsg
	case <-c.closed:
		return canlib.RxInfo{}, canlib.StatusInvHandle
	}
}

// Disconnect every remaining client
func (d *Driver) Release() error {
	d.mu.Lock()
	clients := make([]*client, 0, len(d.handles))
	for h, c := range d.handles {
		delete(d.handles, h)
		clients = append(clients, c)
	}
	d.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	return nil
}

// Number of frames dropped because a receive buffer was full
func (d *Driver) Overruns() uint64 {
	return d.overruns.Load()
}
