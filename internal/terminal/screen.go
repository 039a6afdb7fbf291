package terminal

import (
	"sync"

	"github.com/scottpeterman/gopyte/gopyte"
	"github.com/sirupsen/logrus"
)

// Screen is a VT screen fed with child output. It only tracks what the
// login driver needs: the visible rows and the cursor.
type Screen struct {
	mu     sync.Mutex
	screen *gopyte.NativeScreen
	stream *gopyte.Stream
	prev   []string
}

func NewScreen(cols, rows int) *Screen {
	screen := gopyte.NewNativeScreen(cols, rows)
	return &Screen{
		screen: screen,
		stream: gopyte.NewStream(screen, false),
		prev:   screen.GetDisplay(),
	}
}

// Feed parses data and reports the cursor line and the number of rows that
// changed.
func (s *Screen) Feed(data []byte) (line string, row, changes int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.Warnf("terminal: stream feed: %v", r)
			}
		}()
		s.stream.Feed(string(data))
	}()

	display := s.screen.GetDisplay()
	for i := range display {
		if i >= len(s.prev) || display[i] != s.prev[i] {
			changes++
		}
	}
	s.prev = display
	line, row = s.cursorLineLocked(display)
	return line, row, changes
}

// CursorLine returns the text left of the cursor on its row.
func (s *Screen) CursorLine() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursorLineLocked(s.screen.GetDisplay())
}

func (s *Screen) cursorLineLocked(display []string) (string, int) {
	x, y := s.screen.GetCursor()
	if y < 0 || y >= len(display) {
		return "", y
	}
	// one rune per cell
	runes := []rune(display[y])
	if x < len(runes) {
		runes = runes[:x]
	}
	return string(runes), y
}

// Display returns a copy of the visible rows.
func (s *Screen) Display() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen.GetDisplay()
}

func (s *Screen) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screen.Resize(cols, rows)
	s.prev = s.screen.GetDisplay()
}

func (s *Screen) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screen.Reset()
	s.prev = s.screen.GetDisplay()
}
