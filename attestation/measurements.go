package attestation

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Measurements maps register indices to measurement values.
type Measurements map[int][]byte

// ErrMeasurementsNotAllowed is returned when no allowed build matches.
var ErrMeasurementsNotAllowed = errors.New("measurements do not match any allowed build")

// AllowList is the set of shard builds a router or client accepts. It is
// published as JSON:
//
//	[
//	  {
//	    "measurement_id": "ledger-shard-v0.1.0-tdx",
//	    "measurements": {
//	      "0": {"expected": "<hex mrtd>"},
//	      "1": {"expected": "<hex rtmr0>"}
//	    }
//	  }
//	]
type AllowList []AllowedBuild

// AllowedBuild lists the expected register values of one build. Registers
// that are not listed are not checked.
type AllowedBuild struct {
	ID        string           `json:"measurement_id"`
	Registers map[int]Register `json:"measurements"`
}

type Register struct {
	Expected string `json:"expected"`
}

// Decode returns the expected registers as raw bytes.
func (b AllowedBuild) Decode() (Measurements, error) {
	out := make(Measurements, len(b.Registers))
	for idx, reg := range b.Registers {
		raw, err := hex.DecodeString(reg.Expected)
		if err != nil {
			return nil, fmt.Errorf("build %s register %d: %w", b.ID, idx, err)
		}
		out[idx] = raw
	}
	return out, nil
}

func (b AllowedBuild) matches(actual Measurements) bool {
	expected, err := b.Decode()
	if err != nil {
		return false
	}
	for idx, want := range expected {
		got, ok := actual[idx]
		if !ok || !bytes.Equal(want, got) {
			return false
		}
	}
	return true
}

// Match returns the first build whose registers all equal actual.
// Builds with malformed hex never match.
func (l AllowList) Match(actual Measurements) (AllowedBuild, error) {
	for _, build := range l {
		if build.matches(actual) {
			return build, nil
		}
	}
	return AllowedBuild{}, ErrMeasurementsNotAllowed
}

// MeasurementSource supplies the current allow-list.
type MeasurementSource interface {
	Allowed() (AllowList, error)
}

// StaticSource serves a fixed allow-list.
type StaticSource struct {
	List AllowList
}

func (s *StaticSource) Allowed() (AllowList, error) {
	return s.List, nil
}

// DemoSource accepts exactly what DummyProvider reports. Demo and tests only.
func DemoSource() *StaticSource {
	regs := make(map[int]Register, len(dummyMeasurements))
	for idx, v := range dummyMeasurements {
		regs[idx] = Register{Expected: hex.EncodeToString(v)}
	}
	return &StaticSource{List: AllowList{{ID: "demo-dummy-attestation", Registers: regs}}}
}

// DefaultAllowListTTL is how long a fetched allow-list is reused.
const DefaultAllowListTTL = time.Hour

// RemoteSource fetches the allow-list from a URL and caches it for TTL.
// A failed refresh is returned to the caller; the stale list is not used.
type RemoteSource struct {
	URL    string
	Client *http.Client
	TTL    time.Duration
	Clock  clock.Clock

	mu      sync.Mutex
	expires time.Time
	list    AllowList
}

func NewRemoteSource(url string) *RemoteSource {
	return &RemoteSource{
		URL:    url,
		Client: &http.Client{Timeout: 30 * time.Second},
		TTL:    DefaultAllowListTTL,
		Clock:  clock.New(),
	}
}

func (r *RemoteSource) Allowed() (AllowList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Clock.Now()
	if r.list != nil && now.Before(r.expires) {
		return r.list, nil
	}

	list, err := r.fetch()
	if err != nil {
		return nil, err
	}
	r.list, r.expires = list, now.Add(r.TTL)
	return list, nil
}

func (r *RemoteSource) fetch() (AllowList, error) {
	resp, err := r.Client.Get(r.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch allow-list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("allow-list endpoint returned %d: %s", resp.StatusCode, msg)
	}

	var list AllowList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode allow-list: %w", err)
	}
	return list, nil
}
