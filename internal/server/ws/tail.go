package ws

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	// tailPoll is how often a tailer checks the log file for growth.
	tailPoll = 500 * time.Millisecond

	// tailInitialLines bounds the backlog sent to a fresh subscriber.
	tailInitialLines = 50

	// tailInitialWindow bounds how far back the initial read seeks.
	tailInitialWindow = 64 * 1024

	// tailMaxRead bounds one append read so a burst cannot balloon a frame.
	tailMaxRead = 1 << 20
)

// logChunk is the payload on a bot.<id>.logs channel. Type is "initial"
// for the backlog on subscribe, "append" for new lines, and "truncated"
// when the file shrank and tailing restarted from the top.
type logChunk struct {
	Type  string   `json:"type"`
	Lines []string `json:"lines,omitempty"`
}

// logsBotID extracts the bot id from a concrete bot.<id>.logs channel
// name. Wildcard subscriptions do not arm tailers.
func logsBotID(channel string) (string, bool) {
	const pre, suf = "bot.", ".logs"
	if !strings.HasPrefix(channel, pre) || !strings.HasSuffix(channel, suf) {
		return "", false
	}
	id := channel[len(pre) : len(channel)-len(suf)]
	if id == "" || strings.Contains(id, "*") {
		return "", false
	}
	return id, true
}

// ensureTailer sends the subscriber the log backlog and starts the
// per-bot tail loop if one is not already running. A bot with no log
// path (logging off, unknown id) arms nothing.
func (h *Hub) ensureTailer(botID string, c *client) {
	path := h.feeds.LogPath(botID)
	if path == "" {
		return
	}
	channel := logsChannel(botID)
	c.sendInitialLog(channel, path)

	h.tailMu.Lock()
	running := h.tailers[channel]
	if !running {
		h.tailers[channel] = true
	}
	h.tailMu.Unlock()
	if running {
		return
	}

	// capture the tail point before handing off so lines appended between
	// subscribe and the first poll are not lost
	var offset int64
	if fi, err := os.Stat(path); err == nil {
		offset = fi.Size()
	}
	go h.tailLog(channel, path, offset)
}

// tailLog polls the worker log and pushes new lines to the channel. It
// exits once nobody subscribes to the channel anymore.
func (h *Hub) tailLog(channel, path string, offset int64) {
	defer func() {
		h.tailMu.Lock()
		delete(h.tailers, channel)
		h.tailMu.Unlock()
	}()

	var partial []byte

	ticker := time.NewTicker(tailPoll)
	defer ticker.Stop()
	for range ticker.C {
		if !h.hasSubscriber(channel) {
			return
		}

		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		if fi.Size() < offset {
			// rotated or truncated underneath us
			offset = 0
			partial = nil
			h.push(channel, "logs", logChunk{Type: "truncated"})
		}
		if fi.Size() == offset {
			continue
		}

		lines, next, err := readLogLines(path, offset, &partial)
		if err != nil {
			h.logger.Warn("ws: tail read",
				slog.String("channel", channel),
				slog.String("error", err.Error()))
			continue
		}
		offset = next
		if len(lines) > 0 {
			h.push(channel, "logs", logChunk{Type: "append", Lines: lines})
		}
	}
}

// readLogLines reads complete lines from offset onward. An unterminated
// trailing line is carried in partial until the writer finishes it.
func readLogLines(path string, offset int64, partial *[]byte) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	data, err := io.ReadAll(io.LimitReader(f, tailMaxRead))
	if err != nil {
		return nil, offset, err
	}
	offset += int64(len(data))

	buf := append(*partial, data...)
	var lines []string
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(buf[:i]), "\r"))
		buf = buf[i+1:]
	}
	*partial = append([]byte(nil), buf...)
	return lines, offset, nil
}

// sendInitialLog queues the last lines of the log straight to the
// subscribing client as an "initial" chunk.
func (c *client) sendInitialLog(channel, path string) {
	msg, err := json.Marshal(envelope{
		Channel: channel,
		Type:    "logs",
		Payload: logChunk{Type: "initial", Lines: lastLogLines(path, tailInitialLines)},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// lastLogLines returns up to n trailing complete lines, reading at most
// tailInitialWindow bytes from the end of the file.
func lastLogLines(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil
	}
	start := fi.Size() - tailInitialWindow
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if start > 0 && len(lines) > 0 {
		// first line is likely cut by the seek
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimRight(l, "\r"); l != "" {
			out = append(out, l)
		}
	}
	return out
}
