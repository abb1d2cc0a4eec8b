package capture

import "fmt"

// Level is the configured capture verbosity. Values outside 1-4 are accepted:
// anything below 2 captures metadata only, anything from 4 up captures everything.
type Level int

const (
	LevelMetadata    Level = 1 // request/response metadata
	LevelBodies      Level = 2 // + body size and preview
	LevelPerformance Level = 3 // + per-URL performance records
	LevelStreams     Level = 4 // + WebSocket messages
)

// CaptureMetadata is always true; metadata is recorded at every level.
func (l Level) CaptureMetadata() bool { return true }

// CaptureBodies reports whether body size and preview are attached to entries.
func (l Level) CaptureBodies() bool { return l >= LevelBodies }

// RecordPerformance reports whether responses update the per-URL performance table.
func (l Level) RecordPerformance() bool { return l >= LevelPerformance }

// CaptureStreams reports whether streaming messages are recorded.
func (l Level) CaptureStreams() bool { return l >= LevelStreams }

func (l Level) String() string {
	switch {
	case l < LevelBodies:
		return fmt.Sprintf("%d (metadata)", int(l))
	case l < LevelPerformance:
		return fmt.Sprintf("%d (bodies)", int(l))
	case l < LevelStreams:
		return fmt.Sprintf("%d (performance)", int(l))
	default:
		return fmt.Sprintf("%d (streams)", int(l))
	}
}
