package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/avrilquant/regime-core/internal/snapshot"
)

// signalLogTimeframes is the signal log's fixed column order: state_1h,
// state_30m, state_15m, state_5m. A timeframe absent from a given
// snapshot renders as "-".
var signalLogTimeframes = []string{"1h", "30m", "15m", "5m"}

// SignalLog is the durable record of every SignalSnapshot the engine
// builds, independent of whatever the Gatekeeper later decides. It writes
// two parallel representations on every Append: a JSONL archive of the
// full snapshot.DTO (the source internal/drift and internal/replay read
// back), and the literal tab-separated
// timestamp/symbol/state_1h/state_30m/state_15m/state_5m/risk/entry/exit/RR
// text rendering, split across two files since the archive and the
// human-readable log serve different readers.
type SignalLog struct {
	mu          sync.Mutex
	archivePath string
	textPath    string
}

// NewSignalLog opens (creating parent directories as needed) a SignalLog
// writing its JSONL archive to archivePath and its plain-text rendering to
// textPath. Either path may be empty to skip that output.
func NewSignalLog(archivePath, textPath string) (*SignalLog, error) {
	for _, p := range []string{archivePath, textPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create signal log directory: %w", err)
		}
	}
	return &SignalLog{archivePath: archivePath, textPath: textPath}, nil
}

// Append records snap in both configured outputs.
func (l *SignalLog) Append(_ context.Context, snap *snapshot.Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.archivePath != "" {
		data, err := json.Marshal(snap.ToDTO())
		if err != nil {
			return fmt.Errorf("marshal signal archive entry: %w", err)
		}
		if err := appendLine(l.archivePath, data); err != nil {
			return fmt.Errorf("write signal archive: %w", err)
		}
	}
	if l.textPath != "" {
		if err := appendLine(l.textPath, []byte(renderSignalLine(snap))); err != nil {
			return fmt.Errorf("write signal log: %w", err)
		}
	}
	return nil
}

func appendLine(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func renderSignalLine(s *snapshot.Snapshot) string {
	cols := []string{
		s.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		s.InstrumentID,
	}
	for _, tf := range signalLogTimeframes {
		if st, ok := s.States().Get(tf); ok {
			cols = append(cols, st.String())
		} else {
			cols = append(cols, "-")
		}
	}
	cols = append(cols, s.RiskLevel.String(), s.Entry.String(), s.TP.String())
	if rr, ok := s.RRRatio(); ok {
		cols = append(cols, rr.String())
	} else {
		cols = append(cols, "-")
	}
	return strings.Join(cols, "\t")
}

// Load replays the JSONL archive back into Snapshots, oldest first. Lines
// that no longer round-trip through snapshot.DTO.ToSnapshot are skipped
// rather than failing the whole read, matching Store.Recent's tolerance
// for a partially-written final line.
func (l *SignalLog) Load() ([]*snapshot.Snapshot, error) {
	if l.archivePath == "" {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open signal archive: %w", err)
	}
	defer f.Close()

	var out []*snapshot.Snapshot
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var dto snapshot.DTO
		if err := json.Unmarshal(line, &dto); err != nil {
			continue
		}
		snap, err := dto.ToSnapshot()
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan signal archive: %w", err)
	}
	return out, nil
}

// RecentSignals satisfies internal/drift.SignalSource directly, so a
// replay run can feed the same archive a live drift.Tracker would poll
// into the detector without going through SystemState at all. It re-reads
// the archive from disk on every call; this is a replay-time convenience,
// not the hot path the live engine uses (systemstate.SystemState's
// in-memory ring serves that).
func (l *SignalLog) RecentSignals(n int) []*snapshot.Snapshot {
	all, err := l.Load()
	if err != nil || len(all) == 0 {
		return nil
	}
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	return all[len(all)-n:]
}
