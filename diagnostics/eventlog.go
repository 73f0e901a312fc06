// Package diagnostics records Gattlink session lifecycle events to
// per-session CSV files, for offline inspection of a stack's behavior.
//
//  1. Sets up channels that accept Records destined for a session's file.
//  2. Maintains a map of open per-session writers, one per Gattlink session.
//  3. Uses several marshaller goroutines to convert records to CSV rows
//     and write them out.
//  4. Closes a session's file when the session is torn down.
package diagnostics

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/uuid"

	"github.com/ggiot/stack/event"
)

// ErrNoMarshallers is returned when an EventLog was constructed with zero
// marshaller goroutines.
var ErrNoMarshallers = errors.New("event log has zero marshallers")

// Record is a single logged Gattlink session event.
type Record struct {
	SessionID   string    `csv:"session_id"`
	Timestamp   time.Time `csv:"timestamp"`
	EventType   string    `csv:"event_type"`
	State       string    `csv:"state"`
	Outstanding int       `csv:"outstanding"`
	BytesSent   uint64    `csv:"bytes_sent"`
	BytesAcked  uint64    `csv:"bytes_acked"`
	Detail      string    `csv:"detail"`
}

// MarshalChan is the sending end of one marshaller goroutine's task queue.
type MarshalChan chan<- Task

// Task represents a single marshalling task. A nil Record flushes Writer.
// WriteHeader is set on the first Task queued for a given session's file.
type Task struct {
	Record      *Record
	Writer      *gocsv.SafeCSVWriter
	WriteHeader bool
}

func runMarshaller(taskChan <-chan Task, wg *sync.WaitGroup) {
	for task := range taskChan {
		if task.Record == nil {
			task.Writer.Flush()
			continue
		}
		rows := []*Record{task.Record}
		var err error
		if task.WriteHeader {
			err = gocsv.MarshalCSV(rows, task.Writer)
		} else {
			err = gocsv.MarshalCSVWithoutHeaders(rows, task.Writer)
		}
		if err != nil {
			log.Println("diagnostics: marshal error:", err)
		}
	}
	log.Println("diagnostics: marshaller done")
	wg.Done()
}

func newMarshaller(wg *sync.WaitGroup) MarshalChan {
	ch := make(chan Task, 100)
	wg.Add(1)
	go runMarshaller(ch, wg)
	return ch
}

// session holds the open file for one Gattlink session's event log.
type session struct {
	id         string
	file       *os.File
	writer     *gocsv.SafeCSVWriter
	wroteTitle bool
}

// EventLog fans Records for many concurrent Gattlink sessions out across
// a small pool of marshaller goroutines, one open CSV file per session.
type EventLog struct {
	Dir          string
	MarshalChans []MarshalChan
	Done         *sync.WaitGroup

	mu       sync.Mutex
	sessions map[uint64]*session
}

// NewEventLog creates an EventLog writing files under dir, using
// numMarshaller goroutines to distribute the marshalling workload.
func NewEventLog(dir string, numMarshaller int) *EventLog {
	chans := make([]MarshalChan, 0, numMarshaller)
	wg := &sync.WaitGroup{}
	for i := 0; i < numMarshaller; i++ {
		chans = append(chans, newMarshaller(wg))
	}
	return &EventLog{
		Dir:          dir,
		MarshalChans: chans,
		Done:         wg,
		sessions:     make(map[uint64]*session, 16),
	}
}

// channelFor picks this session's marshalling goroutine, keeping every
// record for a given session ordered through a single channel.
func (e *EventLog) channelFor(cookie uint64) (MarshalChan, error) {
	if len(e.MarshalChans) < 1 {
		return nil, ErrNoMarshallers
	}
	return e.MarshalChans[cookie%uint64(len(e.MarshalChans))], nil
}

func (e *EventLog) openSession(cookie uint64) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[cookie]; ok {
		return s, nil
	}
	if err := os.MkdirAll(e.Dir, 0777); err != nil {
		return nil, err
	}
	id := uuid.FromCookie(cookie)
	f, err := os.Create(fmt.Sprintf("%s/%s.csv", e.Dir, id))
	if err != nil {
		return nil, err
	}
	s := &session{id: id, file: f, writer: gocsv.NewSafeCSVWriter(f)}
	e.sessions[cookie] = s
	return s, nil
}

// Log queues rec for writing to the file associated with cookie (a
// session-identifying cookie, hashed into a UUID the same way
// original_source's connection tracking derives stable per-flow names).
func (e *EventLog) Log(cookie uint64, rec Record) error {
	ch, err := e.channelFor(cookie)
	if err != nil {
		return err
	}
	s, err := e.openSession(cookie)
	if err != nil {
		return err
	}
	e.mu.Lock()
	header := !s.wroteTitle
	s.wroteTitle = true
	e.mu.Unlock()
	rec.SessionID = s.id
	ch <- Task{Record: &rec, Writer: s.writer, WriteHeader: header}
	return nil
}

// CloseSession flushes and closes cookie's file.
func (e *EventLog) CloseSession(cookie uint64) {
	e.mu.Lock()
	s, ok := e.sessions[cookie]
	if ok {
		delete(e.sessions, cookie)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	ch, err := e.channelFor(cookie)
	if err != nil {
		s.file.Close()
		return
	}
	ch <- Task{Record: nil, Writer: s.writer}
	s.file.Close()
}

// Close shuts down every marshaller and closes any still-open session files.
func (e *EventLog) Close() {
	e.mu.Lock()
	remaining := make([]uint64, 0, len(e.sessions))
	for cookie := range e.sessions {
		remaining = append(remaining, cookie)
	}
	e.mu.Unlock()
	for _, cookie := range remaining {
		e.CloseSession(cookie)
	}
	for _, ch := range e.MarshalChans {
		close(ch)
	}
	e.Done.Wait()
}

// eventTypeName renders an event.Type as the string stored in Record.EventType.
func eventTypeName(t event.Type) string {
	switch t {
	case event.TypeGattlinkSessionReady:
		return "session_ready"
	case event.TypeGattlinkSessionReset:
		return "session_reset"
	case event.TypeGattlinkSessionStalled:
		return "session_stalled"
	case event.TypeOutputBufferOverThreshold:
		return "buffer_over_threshold"
	case event.TypeOutputBufferUnderThreshold:
		return "buffer_under_threshold"
	case event.TypeActivityMonitorChange:
		return "activity_change"
	case event.TypeTLSStateChange:
		return "tls_state_change"
	default:
		return "unknown"
	}
}

// RecordFromEvent builds a Record for e, suitable for Log, from a session
// that was in state at the time of the event.
func RecordFromEvent(e event.Event, state string, outstanding int, bytesSent, bytesAcked uint64) Record {
	detail := ""
	switch d := e.Data.(type) {
	case event.StalledData:
		detail = fmt.Sprintf("stalled_ms=%d", d.StalledTimeMs)
	case event.ActivityData:
		detail = fmt.Sprintf("direction=%d active=%t", d.Direction, d.Active)
	}
	return Record{
		Timestamp:   time.Now(),
		EventType:   eventTypeName(e.Type),
		State:       state,
		Outstanding: outstanding,
		BytesSent:   bytesSent,
		BytesAcked:  bytesAcked,
		Detail:      detail,
	}
}
