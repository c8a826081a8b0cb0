package bacnet

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/neo-automation/bar-core/internal/corelog"
)

// Command is the closed set of instructions the worker's command channel
// accepts. Every variant below is a Command.
type Command interface{ isCommand() }

type DiscoverCmd struct{ Low, High *uint32 }

type DiscoverSessionCmd struct {
	SessionID, ClientID, RequestID string
	Low, High                      *uint32
	DurationSecs                   int
}

type StopDiscoverySessionCmd struct{ SessionID string }

type ReadPropertyCmd struct {
	RequestID  string
	DeviceID   string
	Object     ObjectID
	PropertyID uint32
	ArrayIndex *uint32
	TimeoutMs  int
}

type ReadObjectListCmd struct {
	RequestID string
	DeviceID  string
}

type WritePropertyCmd struct {
	RequestID  string
	DeviceID   string
	Object     ObjectID
	PropertyID uint32
	Value      PropertyValue
	ArrayIndex *uint32
	Priority   *uint32
}

type StartPollingCmd struct {
	DeviceID   string
	Objects    []ObjectID
	IntervalMs int
}

type StopPollingCmd struct{ DeviceID string }

type RegisterDeviceCmd struct {
	DeviceID string
	Addr     *net.UDPAddr
}

type ShutdownCmd struct{}

func (DiscoverCmd) isCommand()             {}
func (DiscoverSessionCmd) isCommand()      {}
func (StopDiscoverySessionCmd) isCommand() {}
func (ReadPropertyCmd) isCommand()         {}
func (ReadObjectListCmd) isCommand()       {}
func (WritePropertyCmd) isCommand()        {}
func (StartPollingCmd) isCommand()         {}
func (StopPollingCmd) isCommand()          {}
func (RegisterDeviceCmd) isCommand()       {}
func (ShutdownCmd) isCommand()             {}

// WorkerResponse is the closed set of events the worker publishes on its
// output channel as wire activity and scheduled work complete.
type WorkerResponse interface{ isWorkerResponse() }

type DeviceDiscovered struct {
	DeviceID string
	Addr     string
}

type SessionDeviceDiscovered struct {
	ClientID, RequestID, DeviceID string
}

type SessionComplete struct {
	ClientID, RequestID string
	DevicesFound        []string
}

type ReadPropertyOk struct {
	RequestID, DeviceID string
	Object              ObjectID
	PropertyID           uint32
	Value                any
}

type ReadPropertyFailed struct {
	RequestID, DeviceID, Reason string
}

type ObjectListRead struct {
	RequestID, DeviceID string
	Objects             []ObjectListEntry
}

// ObjectListEntry canonicalizes an object reference to the lowercase,
// hyphenated type name used by the pollable-type filter in the service
// layer (§4.3): "analog-input", "binary-value", etc.
type ObjectListEntry struct {
	ObjectType string
	Instance   uint32
}

type WriteAck struct{ RequestID, DeviceID string }
type WriteFailed struct{ RequestID, DeviceID, Reason string }
type RequestTimeout struct{ RequestID, DeviceID string }

func (DeviceDiscovered) isWorkerResponse()        {}
func (SessionDeviceDiscovered) isWorkerResponse() {}
func (SessionComplete) isWorkerResponse()         {}
func (ReadPropertyOk) isWorkerResponse()          {}
func (ReadPropertyFailed) isWorkerResponse()      {}
func (ObjectListRead) isWorkerResponse()          {}
func (WriteAck) isWorkerResponse()                {}
func (WriteFailed) isWorkerResponse()             {}
func (RequestTimeout) isWorkerResponse()          {}

// pendingKind distinguishes what a pending confirmed request was for, so the
// incoming ACK/error can be interpreted correctly.
type pendingKind int

const (
	pendingReadProperty pendingKind = iota
	pendingReadObjectList
	pendingWriteProperty
)

type pendingRequest struct {
	requestID  string
	deviceID   string
	invokeID   byte
	kind       pendingKind
	object     ObjectID
	propertyID uint32
	sentAt     time.Time
}

type deviceBinding struct {
	addr         *net.UDPAddr
	maxAPDU      uint32
	segmentation uint32
}

type discoverySession struct {
	sessionID, clientID, requestID string
	expiresAt                      time.Time
	found                          map[string]bool
}

type pollEntry struct {
	deviceID   string
	objects    []ObjectID
	intervalMs int
	cursor     int
	lastPoll   time.Time
}

const (
	pendingSweepAge       = 10 * time.Second
	defaultDiscoveryAge   = 3 * time.Second
	defaultPollInterval   = 200 * time.Millisecond
	deviceBindingTTL      = 30 * time.Minute
)

// Worker owns the single UDP socket and runs entirely on its own OS thread.
// Every field below is touched only from Run's goroutine; there is no
// locking because there is no concurrent access.
type Worker struct {
	log           corelog.Logger
	conn          *net.UDPConn
	broadcastAddr *net.UDPAddr

	cmdCh chan Command
	outCh chan WorkerResponse

	devices      *ttlcache.Cache[string, *deviceBinding]
	addrToDevice map[string]string
	pending      map[string]*pendingRequest // key: deviceID + ":" + invokeID
	sessions     map[string]*discoverySession
	sessionOrder []string
	polling      map[string]*pollEntry
	pollOrder    []string

	invokeCounter byte
	stats         *Stats
}

// NewWorker binds the UDP endpoint and prepares worker state. The socket is
// bound here so callers can detect a bind failure (fatal per §7) before
// spawning the dedicated goroutine.
func NewWorker(log corelog.Logger, bindHost string, bindPort int, broadcastAddr string) (*Worker, error) {
	laddr := &net.UDPAddr{IP: net.ParseIP(bindHost), Port: bindPort}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("bacnet: bind UDP %s:%d: %w", bindHost, bindPort, err)
	}
	bAddr := &net.UDPAddr{IP: net.ParseIP(broadcastAddr), Port: 47808}

	w := &Worker{
		log:           log.Named("bacnet.worker"),
		conn:          conn,
		broadcastAddr: bAddr,
		cmdCh:         make(chan Command, 256),
		outCh:         make(chan WorkerResponse, 256),
		devices: ttlcache.New[string, *deviceBinding](
			ttlcache.WithTTL[string, *deviceBinding](deviceBindingTTL),
		),
		addrToDevice: make(map[string]string),
		pending:      make(map[string]*pendingRequest),
		sessions:     make(map[string]*discoverySession),
		polling:      make(map[string]*pollEntry),
		stats:        &Stats{},
	}
	// Stale device bindings (no discovery/read/poll activity for
	// deviceBindingTTL) are evicted lazily, swept from Run's own goroutine via
	// devices.DeleteExpired() — never via ttlcache's background Start(),
	// which would touch addrToDevice from a second goroutine.
	w.devices.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *deviceBinding]) {
		if binding := item.Value(); binding != nil && binding.addr != nil {
			delete(w.addrToDevice, binding.addr.String())
		}
	})
	return w, nil
}

// Commands returns the channel used to send the worker instructions.
func (w *Worker) Commands() chan<- Command { return w.cmdCh }

// Responses returns the channel the worker publishes wire events on.
func (w *Worker) Responses() <-chan WorkerResponse { return w.outCh }

func (w *Worker) Stats() Snapshot { return w.stats.Snapshot() }

// Run pins itself to one OS thread and loops until Shutdown or the command
// channel closes, exactly once. It blocks the calling goroutine; start it
// with `go worker.Run()`.
func (w *Worker) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.conn.Close()
	defer close(w.outCh)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	readBuf := make([]byte, 1500)

	for {
		if w.drainCommands() {
			return
		}

		_ = w.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := w.conn.ReadFromUDP(readBuf)
		if err == nil {
			w.handleIncoming(readBuf[:n], from)
		} else if !isTimeout(err) {
			w.log.Debug("udp read error", corelog.Err(err))
		}

		w.sweepTimeouts()
		w.sweepDiscoverySessions()
		w.pollTick()
		w.devices.DeleteExpired()

		<-ticker.C
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// drainCommands processes every currently queued command without blocking.
// It returns true if Shutdown was received (or the channel closed), telling
// Run to exit.
func (w *Worker) drainCommands() bool {
	for {
		select {
		case cmd, ok := <-w.cmdCh:
			if !ok {
				return true
			}
			if w.handleCommand(cmd) {
				return true
			}
		default:
			return false
		}
	}
}

func (w *Worker) handleCommand(cmd Command) (shutdown bool) {
	switch c := cmd.(type) {
	case ShutdownCmd:
		return true
	case DiscoverCmd:
		w.sendWhoIs(c.Low, c.High, w.broadcastAddr)
	case DiscoverSessionCmd:
		w.startDiscoverySession(c)
	case StopDiscoverySessionCmd:
		w.stopDiscoverySession(c.SessionID)
	case ReadPropertyCmd:
		w.doReadProperty(c)
	case ReadObjectListCmd:
		w.doReadObjectList(c)
	case WritePropertyCmd:
		w.doWriteProperty(c)
	case StartPollingCmd:
		w.startPolling(c)
	case StopPollingCmd:
		w.stopPolling(c.DeviceID)
	case RegisterDeviceCmd:
		w.devices.Set(c.DeviceID, &deviceBinding{addr: c.Addr}, ttlcache.DefaultTTL)
		w.addrToDevice[c.Addr.String()] = c.DeviceID
	}
	return false
}

func (w *Worker) sendWhoIs(low, high *uint32, to *net.UDPAddr) {
	apdu := EncodeWhoIs(low, high)
	npdu := NPDU{DataExpectingReply: false, APDU: apdu}
	frame := BVLLFrame{Function: BVLFOriginalBroadcastNPDU, Payload: npdu.Encode()}
	if _, err := w.conn.WriteToUDP(frame.Encode(), to); err != nil {
		w.log.Warn("who-is send failed", corelog.Err(err))
	}
}

func (w *Worker) startDiscoverySession(c DiscoverSessionCmd) {
	dur := time.Duration(c.DurationSecs) * time.Second
	if c.DurationSecs <= 0 {
		dur = defaultDiscoveryAge
	}
	w.sessions[c.SessionID] = &discoverySession{
		sessionID: c.SessionID, clientID: c.ClientID, requestID: c.RequestID,
		expiresAt: time.Now().Add(dur), found: make(map[string]bool),
	}
	w.sessionOrder = append(w.sessionOrder, c.SessionID)
	w.sendWhoIs(c.Low, c.High, w.broadcastAddr)
}

func (w *Worker) stopDiscoverySession(sessionID string) {
	sess, ok := w.sessions[sessionID]
	if !ok {
		return
	}
	w.completeSession(sess)
}

func (w *Worker) completeSession(sess *discoverySession) {
	devices := make([]string, 0, len(sess.found))
	for id := range sess.found {
		devices = append(devices, id)
	}
	sort.Strings(devices)
	delete(w.sessions, sess.sessionID)
	w.outCh <- SessionComplete{ClientID: sess.clientID, RequestID: sess.requestID, DevicesFound: devices}
}

func (w *Worker) sweepDiscoverySessions() {
	now := time.Now()
	remaining := w.sessionOrder[:0]
	for _, id := range w.sessionOrder {
		sess, ok := w.sessions[id]
		if !ok {
			continue
		}
		if now.After(sess.expiresAt) {
			w.completeSession(sess)
			continue
		}
		remaining = append(remaining, id)
	}
	w.sessionOrder = remaining
}

// nextInvokeID wraps a u8 counter, skipping any value already pending for
// this specific device so within-device collisions never occur (I5).
func (w *Worker) nextInvokeID(deviceID string) byte {
	for i := 0; i < 256; i++ {
		w.invokeCounter++
		key := pendingKey(deviceID, w.invokeCounter)
		if _, exists := w.pending[key]; !exists {
			return w.invokeCounter
		}
	}
	return w.invokeCounter
}

func pendingKey(deviceID string, invokeID byte) string {
	return deviceID + ":" + strconv.Itoa(int(invokeID))
}

func (w *Worker) doReadProperty(c ReadPropertyCmd) {
	item := w.devices.Get(c.DeviceID)
	if item == nil {
		w.outCh <- ReadPropertyFailed{RequestID: c.RequestID, DeviceID: c.DeviceID, Reason: "unknown device"}
		return
	}
	binding := item.Value()
	invokeID := w.nextInvokeID(c.DeviceID)
	apdu := EncodeReadPropertyRequest(invokeID, c.Object, c.PropertyID, c.ArrayIndex)
	if !w.sendConfirmed(binding.addr, apdu) {
		w.outCh <- ReadPropertyFailed{RequestID: c.RequestID, DeviceID: c.DeviceID, Reason: "send failed"}
		return
	}
	w.pending[pendingKey(c.DeviceID, invokeID)] = &pendingRequest{
		requestID: c.RequestID, deviceID: c.DeviceID, invokeID: invokeID,
		kind: pendingReadProperty, object: c.Object, propertyID: c.PropertyID, sentAt: time.Now(),
	}
}

func (w *Worker) doReadObjectList(c ReadObjectListCmd) {
	item := w.devices.Get(c.DeviceID)
	if item == nil {
		w.outCh <- ReadPropertyFailed{RequestID: c.RequestID, DeviceID: c.DeviceID, Reason: "unknown device"}
		return
	}
	binding := item.Value()
	instance, _ := strconv.ParseUint(c.DeviceID, 10, 32)
	obj := ObjectID{ObjectType: 8, Instance: uint32(instance)}
	invokeID := w.nextInvokeID(c.DeviceID)
	apdu := EncodeReadPropertyRequest(invokeID, obj, PropertyObjectList, nil)
	if !w.sendConfirmed(binding.addr, apdu) {
		w.outCh <- ReadPropertyFailed{RequestID: c.RequestID, DeviceID: c.DeviceID, Reason: "send failed"}
		return
	}
	w.pending[pendingKey(c.DeviceID, invokeID)] = &pendingRequest{
		requestID: c.RequestID, deviceID: c.DeviceID, invokeID: invokeID,
		kind: pendingReadObjectList, object: obj, propertyID: PropertyObjectList, sentAt: time.Now(),
	}
}

func (w *Worker) doWriteProperty(c WritePropertyCmd) {
	item := w.devices.Get(c.DeviceID)
	if item == nil {
		w.outCh <- WriteFailed{RequestID: c.RequestID, DeviceID: c.DeviceID, Reason: "unknown device"}
		return
	}
	binding := item.Value()
	invokeID := w.nextInvokeID(c.DeviceID)
	apdu := EncodeWritePropertyRequest(invokeID, c.Object, c.PropertyID, c.Value, c.ArrayIndex, c.Priority)
	if !w.sendConfirmed(binding.addr, apdu) {
		w.outCh <- WriteFailed{RequestID: c.RequestID, DeviceID: c.DeviceID, Reason: "send failed"}
		return
	}
	w.pending[pendingKey(c.DeviceID, invokeID)] = &pendingRequest{
		requestID: c.RequestID, deviceID: c.DeviceID, invokeID: invokeID,
		kind: pendingWriteProperty, object: c.Object, propertyID: c.PropertyID, sentAt: time.Now(),
	}
}

func (w *Worker) sendConfirmed(to *net.UDPAddr, apdu []byte) bool {
	npdu := NPDU{DataExpectingReply: true, APDU: apdu}
	frame := BVLLFrame{Function: BVLFOriginalUnicastNPDU, Payload: npdu.Encode()}
	_, err := w.conn.WriteToUDP(frame.Encode(), to)
	if err != nil {
		w.log.Warn("confirmed request send failed", corelog.Err(err))
		return false
	}
	return true
}

func (w *Worker) startPolling(c StartPollingCmd) {
	interval := time.Duration(c.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if _, exists := w.polling[c.DeviceID]; !exists {
		w.pollOrder = append(w.pollOrder, c.DeviceID)
	}
	w.polling[c.DeviceID] = &pollEntry{deviceID: c.DeviceID, objects: c.Objects, intervalMs: int(interval / time.Millisecond)}
}

func (w *Worker) stopPolling(deviceID string) {
	delete(w.polling, deviceID)
}

// pollTick advances the round-robin scheduler: one ReadProperty per device
// whose interval has elapsed, cycling through that device's object list.
func (w *Worker) pollTick() {
	now := time.Now()
	for _, id := range w.pollOrder {
		entry, ok := w.polling[id]
		if !ok || len(entry.objects) == 0 {
			continue
		}
		interval := time.Duration(entry.intervalMs) * time.Millisecond
		if now.Sub(entry.lastPoll) < interval {
			continue
		}
		obj := entry.objects[entry.cursor]
		entry.cursor = (entry.cursor + 1) % len(entry.objects)
		entry.lastPoll = now
		w.doReadProperty(ReadPropertyCmd{
			RequestID: "poll:" + id, DeviceID: id, Object: obj, PropertyID: PropertyPresentValue,
		})
	}
}

func (w *Worker) sweepTimeouts() {
	cutoff := time.Now().Add(-pendingSweepAge)
	for key, p := range w.pending {
		if p.sentAt.Before(cutoff) {
			delete(w.pending, key)
			w.stats.recordTimeout()
			switch p.kind {
			case pendingWriteProperty:
				w.outCh <- RequestTimeout{RequestID: p.requestID, DeviceID: p.deviceID}
			default:
				w.outCh <- RequestTimeout{RequestID: p.requestID, DeviceID: p.deviceID}
			}
		}
	}
}

func (w *Worker) handleIncoming(data []byte, from *net.UDPAddr) {
	bvll, err := DecodeBVLL(data)
	if err != nil {
		w.log.Debug("bvll decode failed", corelog.Err(err))
		return
	}
	npdu, err := DecodeNPDU(bvll.Payload)
	if err != nil {
		w.log.Debug("npdu decode failed", corelog.Err(err))
		return
	}
	apdu, err := DecodeAPDU(npdu.APDU)
	if err != nil {
		w.log.Debug("apdu decode failed", corelog.Err(err))
		return
	}

	switch apdu.PDUType {
	case PDUUnconfirmedRequest:
		if apdu.Service == ServiceIAm && apdu.IAm != nil {
			w.handleIAm(apdu.IAm, from)
		}
	case PDUComplexACK:
		w.handleComplexAck(apdu, from)
	case PDUSimpleACK:
		w.handleSimpleAck(apdu, from)
	case PDUError, PDUReject, PDUAbort:
		w.handleFailureResponse(apdu, from)
	}
}

func (w *Worker) handleIAm(iam *IAmRequest, from *net.UDPAddr) {
	deviceID := strconv.FormatUint(uint64(iam.DeviceInstance), 10)
	w.devices.Set(deviceID, &deviceBinding{addr: from, maxAPDU: iam.MaxAPDULength, segmentation: iam.Segmentation}, ttlcache.DefaultTTL)
	w.addrToDevice[from.String()] = deviceID
	w.stats.setConnectedDevices(w.devices.Len())

	for _, sid := range w.sessionOrder {
		sess, ok := w.sessions[sid]
		if !ok || sess.found[deviceID] {
			continue
		}
		sess.found[deviceID] = true
		w.outCh <- SessionDeviceDiscovered{ClientID: sess.clientID, RequestID: sess.requestID, DeviceID: deviceID}
	}

	w.outCh <- DeviceDiscovered{DeviceID: deviceID, Addr: from.String()}
}

func (w *Worker) resolvePending(from *net.UDPAddr, invokeID byte) (*pendingRequest, bool) {
	deviceID, ok := w.addrToDevice[from.String()]
	if !ok {
		return nil, false
	}
	key := pendingKey(deviceID, invokeID)
	p, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	}
	return p, ok
}

func (w *Worker) handleComplexAck(apdu APDUMessage, from *net.UDPAddr) {
	p, ok := w.resolvePending(from, apdu.InvokeID)
	if !ok || apdu.RPAck == nil {
		w.log.Debug("unmatched complex-ack", corelog.String("from", from.String()))
		return
	}
	elapsed := float64(time.Since(p.sentAt).Microseconds()) / 1000.0
	w.stats.recordRead(true, elapsed)

	switch p.kind {
	case pendingReadObjectList:
		entries := make([]ObjectListEntry, 0, len(apdu.RPAck.Value.ObjectList))
		for _, obj := range apdu.RPAck.Value.ObjectList {
			entries = append(entries, ObjectListEntry{ObjectType: canonicalObjectType(obj.ObjectType), Instance: obj.Instance})
		}
		w.outCh <- ObjectListRead{RequestID: p.requestID, DeviceID: p.deviceID, Objects: entries}
	default:
		w.outCh <- ReadPropertyOk{
			RequestID: p.requestID, DeviceID: p.deviceID, Object: apdu.RPAck.Object,
			PropertyID: apdu.RPAck.PropertyID, Value: propertyValueToJSON(apdu.RPAck.Value),
		}
	}
}

func (w *Worker) handleSimpleAck(apdu APDUMessage, from *net.UDPAddr) {
	p, ok := w.resolvePending(from, apdu.InvokeID)
	if !ok {
		return
	}
	elapsed := float64(time.Since(p.sentAt).Microseconds()) / 1000.0
	w.stats.recordWrite(true, elapsed)
	w.outCh <- WriteAck{RequestID: p.requestID, DeviceID: p.deviceID}
}

func (w *Worker) handleFailureResponse(apdu APDUMessage, from *net.UDPAddr) {
	p, ok := w.resolvePending(from, apdu.InvokeID)
	if !ok {
		return
	}
	reason := failureReason(apdu)
	if p.kind == pendingWriteProperty {
		w.stats.recordWrite(false, 0)
		w.outCh <- WriteFailed{RequestID: p.requestID, DeviceID: p.deviceID, Reason: reason}
		return
	}
	w.stats.recordRead(false, 0)
	w.outCh <- ReadPropertyFailed{RequestID: p.requestID, DeviceID: p.deviceID, Reason: reason}
}

func failureReason(apdu APDUMessage) string {
	switch apdu.PDUType {
	case PDUError:
		return fmt.Sprintf("error class=%d code=%d", apdu.ErrClass, apdu.ErrCode)
	case PDUReject:
		return fmt.Sprintf("reject reason=%d", apdu.RejectReason)
	case PDUAbort:
		return fmt.Sprintf("abort reason=%d", apdu.AbortReason)
	}
	return "unknown failure"
}

// canonicalObjectType maps BACnet standard object type numbers to the
// lowercase-hyphenated names used throughout this runtime's events.
func canonicalObjectType(t uint16) string {
	names := map[uint16]string{
		0: "analog-input", 1: "analog-output", 2: "analog-value",
		3: "binary-input", 4: "binary-output", 5: "binary-value",
		8: "device",
		13: "multi-state-input", 14: "multi-state-output", 19: "multi-state-value",
		20: "integer-value", 21: "positive-integer-value", 25: "large-analog-value",
		54: "lighting-output", 57: "binary-lighting-output",
		23: "accumulator", 24: "pulse-converter",
	}
	if name, ok := names[t]; ok {
		return name
	}
	return fmt.Sprintf("object-type-%d", t)
}

// pollableObjectTypes are the canonical type names that carry a
// present-value property and are therefore worth polling.
var pollableObjectTypes = map[string]bool{
	"analog-input": true, "analog-output": true, "analog-value": true,
	"binary-input": true, "binary-output": true, "binary-value": true,
	"multi-state-input": true, "multi-state-output": true, "multi-state-value": true,
	"integer-value": true, "positive-integer-value": true, "large-analog-value": true,
	"lighting-output": true, "binary-lighting-output": true,
	"accumulator": true, "pulse-converter": true,
}

// IsPollable reports whether a canonical object type name should be polled.
func IsPollable(objectType string) bool { return pollableObjectTypes[objectType] }

// propertyValueToJSON flattens a decoded PropertyValue to a plain Go value
// suitable for embedding in an event's data map.
func propertyValueToJSON(v PropertyValue) any {
	switch v.Kind {
	case "real":
		return v.Real
	case "unsigned":
		return v.Unsigned
	case "boolean":
		return v.Boolean
	case "enumerated":
		return v.Enumerated
	default:
		return nil
	}
}
