// Command cdcd is a reference CLI wiring the wire clients, the
// introspection surfaces, and a default stdout sink into one running
// program. It is not the product: embedders are expected to call the
// mysqlwire/pgwire packages directly and supply their own sink.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rowstream/cdc/cdcwatch"
	"github.com/rowstream/cdc/endpoint"
	"github.com/rowstream/cdc/event"
	"github.com/rowstream/cdc/mysqlwire"
	"github.com/rowstream/cdc/pgwire"
	"github.com/rowstream/cdc/statushttp"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("cdcd", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "cdcd — change-data-capture reference daemon\n\nUsage:\n  cdcd -driver mysql|postgres -endpoint <url> [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	driver := fs.String("driver", "", "source driver: mysql or postgres (required)")
	addr := fs.String("endpoint", "", "tcp://[user[:pass]@]host:port[?params] endpoint URL (required)")
	statusAddr := fs.String("status", "", "HTTP status address (e.g. :8080); disabled if empty")
	watch := fs.Bool("watch", false, "launch the cdcwatch terminal UI instead of printing events to stdout")
	checkpointEvery := fs.Duration("checkpoint-interval", 10*time.Second, "how often to report a checkpoint")
	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("cdcd %s\n", version)
		return
	}
	if *driver == "" || *addr == "" {
		fs.Usage()
		os.Exit(1)
	}

	if err := run(*driver, *addr, *statusAddr, *watch, *checkpointEvery); err != nil {
		log.Fatal(err)
	}
}

// replicationSession abstracts over mysqlwire.Session and pgwire.Session,
// which share the same Recv/Cursor/Close shape but no common interface
// since their cursor types differ by protocol.
type replicationSession struct {
	recv         func() (event.RowEvent, bool, error)
	cursorString func() string
	close        func() error
}

func run(driver, addr, statusAddr string, watch bool, checkpointEvery time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := dial(ctx, driver, addr, checkpointEvery)
	if err != nil {
		return fmt.Errorf("cdcd: connect: %w", err)
	}
	defer func() { _ = sess.close() }()

	stats := &sessionStats{endpoint: addr}

	var lc net.ListenConfig
	if statusAddr != "" {
		lis, err := lc.Listen(ctx, "tcp", statusAddr)
		if err != nil {
			return fmt.Errorf("cdcd: listen status %s: %w", statusAddr, err)
		}
		srv := statushttp.New(stats)
		go func() {
			log.Printf("status server listening on %s", statusAddr)
			if err := srv.Serve(lis); err != nil {
				log.Printf("status serve: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	events := make(chan event.RowEvent, 256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if watch {
			if err := cdcwatch.Run(ctx, events); err != nil {
				log.Printf("cdcwatch: %v", err)
			}
			return
		}
		printEvents(ctx, events)
	}()

	log.Printf("streaming %s (driver=%s)", addr, driver)
	err = recvLoop(ctx, sess, stats, events)
	close(events)
	wg.Wait()
	return err
}

func dial(ctx context.Context, driver, addr string, checkpointEvery time.Duration) (*replicationSession, error) {
	switch driver {
	case "mysql":
		ep, err := endpoint.ParseMySQL(addr)
		if err != nil {
			return nil, err
		}
		client, err := mysqlwire.Connect(ctx, ep)
		if err != nil {
			return nil, err
		}
		sess, err := mysqlwire.StartReplication(ctx, client, mysqlwire.StartOptions{
			ServerID:           ep.ServerID,
			CheckpointInterval: checkpointEvery,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &replicationSession{
			recv:         sess.Recv,
			cursorString: func() string { return sess.Cursor().String() },
			close:        sess.Close,
		}, nil

	case "postgres":
		ep, err := endpoint.ParsePostgres(addr)
		if err != nil {
			return nil, err
		}
		client, err := pgwire.Connect(ctx, ep)
		if err != nil {
			return nil, err
		}
		sess, err := pgwire.StartReplication(ctx, client, pgwire.StartOptions{
			Slot:               ep.Slot,
			CheckpointInterval: checkpointEvery,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &replicationSession{
			recv:         sess.Recv,
			cursorString: func() string { return sess.Cursor().String() },
			close:        sess.Close,
		}, nil

	default:
		return nil, fmt.Errorf("cdcd: unsupported driver %q", driver)
	}
}

func recvLoop(ctx context.Context, sess *replicationSession, stats *sessionStats, events chan<- event.RowEvent) error {
	stats.setConnected(true)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ev, checkpoint, err := sess.recv()
		if err != nil {
			stats.setError(err)
			return err
		}
		stats.setCursor(sess.cursorString())
		if checkpoint {
			stats.setCheckpoint()
			continue
		}
		stats.recordEvent()
		select {
		case events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// printEvents is cdcd's default sink: it prints each received event as a
// line of JSON. A production embedder supplies its own sink instead of
// consuming this channel directly.
func printEvents(ctx context.Context, events <-chan event.RowEvent) {
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(eventToJSON(ev)); err != nil {
				log.Printf("encode event: %v", err)
			}
		}
	}
}

type eventJSON struct {
	Kind     string       `json:"kind"`
	Schema   string       `json:"schema"`
	Table    string       `json:"table"`
	Columns  []columnJSON `json:"columns,omitempty"`
	Identity []columnJSON `json:"identity,omitempty"`
}

type columnJSON struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

func eventToJSON(ev event.RowEvent) eventJSON {
	return eventJSON{
		Kind:     ev.Kind.String(),
		Schema:   ev.Schema,
		Table:    ev.Table,
		Columns:  columnsToJSON(ev.Columns),
		Identity: columnsToJSON(ev.Identity),
	}
}

func columnsToJSON(cols []event.Column) []columnJSON {
	if len(cols) == 0 {
		return nil
	}
	out := make([]columnJSON, len(cols))
	for i, c := range cols {
		out[i] = columnJSON{Name: c.Name, Value: jsonValue(c.Value)}
	}
	return out
}

func jsonValue(v event.Value) any {
	if v.Null {
		return nil
	}
	switch v.Type {
	case event.TypeI64:
		return v.I64
	case event.TypeU64:
		return v.U64
	case event.TypeF64:
		return v.F64
	case event.TypeDecimal:
		return v.Decimal
	case event.TypeBytes:
		return v.Bytes
	case event.TypeJSON:
		return json.RawMessage(v.Bytes)
	case event.TypeDate, event.TypeTimestamp:
		return v.Time
	default:
		return v.Str
	}
}

// sessionStats is the statushttp.StatsProvider backing cdcd's -status server.
type sessionStats struct {
	mu        sync.Mutex
	endpoint  string
	connected bool
	cursor    string
	emitted   uint64
	lastEvent time.Time
	lastCheck time.Time
	lastErr   error
}

func (s *sessionStats) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

func (s *sessionStats) setCursor(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = c
}

func (s *sessionStats) recordEvent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted++
	s.lastEvent = time.Now()
}

func (s *sessionStats) setCheckpoint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck = time.Now()
}

func (s *sessionStats) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.lastErr = err
}

func (s *sessionStats) Stats() statushttp.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := statushttp.SessionStats{
		Endpoint:       s.endpoint,
		Connected:      s.connected,
		Cursor:         s.cursor,
		EventsEmitted:  s.emitted,
		LastEventAt:    s.lastEvent,
		LastCheckpoint: s.lastCheck,
	}
	if s.lastErr != nil {
		stats.LastError = s.lastErr.Error()
	}
	return stats
}
