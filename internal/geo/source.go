package geo

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/rental-tracking/internal/models"
)

// StaticSource always reports the same position, stamped at read time.
type StaticSource struct {
	Position models.Position
}

func (s StaticSource) Locate(ctx context.Context, _ Request) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return Fix{Position: s.Position, Time: time.Now()}, nil
}

// ReplaySource walks a recorded track, one point per Locate, wrapping at
// the end. Every fix is stamped at read time.
type ReplaySource struct {
	mu     sync.Mutex
	points []models.Position
	next   int
}

func NewReplaySource(points []models.Position) (*ReplaySource, error) {
	if len(points) == 0 {
		return nil, errors.New("replay track is empty")
	}
	return &ReplaySource{points: points}, nil
}

// LoadReplayFile reads a track as JSON lines ({"lat":..,"lng":..}) or as
// CSV (lat,lng per row), picked by extension.
func LoadReplayFile(path string) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var pts []models.Position
	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		pts, err = parseCSVTrack(f)
	} else {
		pts, err = parseJSONLTrack(f)
	}
	if err != nil {
		return nil, fmt.Errorf("load track %s: %w", path, err)
	}
	return NewReplaySource(pts)
}

func (r *ReplaySource) Locate(ctx context.Context, _ Request) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	r.mu.Lock()
	p := r.points[r.next]
	r.next = (r.next + 1) % len(r.points)
	r.mu.Unlock()
	return Fix{Position: p, Time: time.Now()}, nil
}

func parseJSONLTrack(rd io.Reader) ([]models.Position, error) {
	var out []models.Position
	sc := bufio.NewScanner(rd)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var p models.Position
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if !Finite(p) {
			return nil, fmt.Errorf("line %d: non-finite coordinates", line)
		}
		out = append(out, p)
	}
	return out, sc.Err()
}

func parseCSVTrack(rd io.Reader) ([]models.Position, error) {
	cr := csv.NewReader(rd)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	var out []models.Position
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("row %d: want lat,lng", row)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
		if err != nil {
			// tolerate a header row
			if row == 1 {
				continue
			}
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row, err)
		}
		out = append(out, models.Position{Lat: lat, Lng: lng})
	}
	return out, nil
}
