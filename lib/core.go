package lib

import (
	"fmt"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("sctpa")

// Merge policy names understood by the association resolver.
const (
	MergeLoose  = "loose"  // splice halves across differing addresses when tags agree
	MergeStrict = "strict" // require mirrored addresses before splicing
)

type CoreConfig struct {
	PayloadPoolSize      int    // how many payload chunks the fragment pool holds
	MaxFragmentSize      int    // largest accepted fragment payload in bytes
	MaxRetransmitEvents  int    // retransmit events kept per sequence before capping
	MaxAckWalk           int    // widest accepted cumulative/range ack walk in TSNs
	MergePolicy          string // half association merge heuristic: loose or strict
	PoolDebug            bool   // ring pool debug setting
	ProcessTimeThreshold int    // pool element processing time threshold in ms
}

func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		PayloadPoolSize:      2048,
		MaxFragmentSize:      65536,
		MaxRetransmitEvents:  32,
		MaxAckWalk:           5000,
		MergePolicy:          MergeLoose,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,
	}
}

// AnalyzerCore owns the process-wide fragment payload pool and the sessions.
// Create one core per process; each capture gets its own session arena.
type AnalyzerCore struct {
	config     *CoreConfig         // config
	sessionMap map[string]*Session // keep track of all sessions created by NewSession
}

func NewAnalyzerCore(coreConfig *CoreConfig) (*AnalyzerCore, error) {
	if coreConfig == nil {
		coreConfig = DefaultCoreConfig()
	}
	if coreConfig.PayloadPoolSize <= 0 || coreConfig.MaxFragmentSize <= 0 {
		return nil, fmt.Errorf("analyzer core: pool size (%d) and fragment size (%d) must be positive",
			coreConfig.PayloadPoolSize, coreConfig.MaxFragmentSize)
	}
	if coreConfig.MaxAckWalk <= 0 {
		return nil, fmt.Errorf("analyzer core: MaxAckWalk (%d) must be positive", coreConfig.MaxAckWalk)
	}
	if coreConfig.MergePolicy != MergeLoose && coreConfig.MergePolicy != MergeStrict {
		return nil, fmt.Errorf("analyzer core: unknown merge policy %q", coreConfig.MergePolicy)
	}

	core := &AnalyzerCore{
		config:     coreConfig,
		sessionMap: make(map[string]*Session),
	}

	bufferLength = coreConfig.MaxFragmentSize
	rp.Debug = coreConfig.PoolDebug
	Pool = rp.NewRingPool("SCTPA: ", coreConfig.PayloadPoolSize, NewPayload, coreConfig.MaxFragmentSize)
	Pool.Debug = coreConfig.PoolDebug
	Pool.ProcessTimeThreshold = time.Duration(coreConfig.ProcessTimeThreshold) * time.Millisecond

	log.Info("SCTP analyzer core started")

	return core, nil
}

// NewSession returns the session registered under name, creating it if
// needed. Feeding one capture twice through the same session is the
// supported replay path.
func (c *AnalyzerCore) NewSession(name string) *Session {
	if s, ok := c.sessionMap[name]; ok {
		return s
	}
	s := &Session{
		config:     c.config,
		name:       name,
		fullIndex:  make(map[string]*HalfAssociation),
		halfIndex:  make(map[string][]*HalfAssociation),
		fragStores: make(map[FragmentKey]*fragmentEntry),
	}
	c.sessionMap[name] = s
	log.Infof("session %s created", name)
	return s
}

// Close closes every session. The payload pool itself stays up for the
// lifetime of the process.
func (c *AnalyzerCore) Close() {
	for _, s := range c.sessionMap {
		s.Close()
	}
	c.sessionMap = nil
	log.Info("SCTP analyzer core stopped")
}
