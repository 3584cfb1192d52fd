package ferry

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/raskyld/ferry/pkg/telemetry"
)

// nodeState is what a node advertises to the cluster. Rev orders the
// states of one node, the highest wins.
type nodeState struct {
	Node string   `codec:"n"`
	Addr string   `codec:"a"`
	Rev  uint64   `codec:"r"`
	Caps [][]byte `codec:"c"`
}

var gossipHandle codec.MsgpackHandle

func encodeStates(states ...nodeState) ([]byte, error) {
	var buf []byte
	err := codec.NewEncoderBytes(&buf, &gossipHandle).Encode(states)
	return buf, err
}

func decodeStates(buf []byte) ([]nodeState, error) {
	var states []nodeState
	err := codec.NewDecoderBytes(buf, &gossipHandle).Decode(&states)
	return states, err
}

// capDirectory is an eventually consistent view of which node offers
// which capability. The tree is keyed by fingerprint then node name.
type capDirectory struct {
	d     *iradix.Tree
	nodes map[string]nodeState
	lk    sync.RWMutex

	// a local clock to order our local changes, also across restarts.
	clock uint64

	logger    *slog.Logger
	localNode string
}

func newCapDirectory(logger *slog.Logger, localNode string) *capDirectory {
	return &capDirectory{
		d:         iradix.New(),
		nodes:     make(map[string]nodeState),
		logger:    logger,
		localNode: localNode,
	}
}

func dirKey(fp []byte, node string) []byte {
	key := make([]byte, 0, len(fp)+len(node))
	key = append(key, fp...)
	return append(key, node...)
}

// setLocal records the capabilities of the local node and returns the
// state to advertise.
func (dir *capDirectory) setLocal(addr string, caps []Capability) nodeState {
	dir.lk.Lock()
	defer dir.lk.Unlock()

	dir.clock = max(dir.clock+1, uint64(time.Now().UnixNano()))
	st := nodeState{
		Node: dir.localNode,
		Addr: addr,
		Rev:  dir.clock,
		Caps: make([][]byte, len(caps)),
	}
	for i, capa := range caps {
		st.Caps[i] = slices.Clone(capa.Fingerprint[:])
	}
	dir.replace(st)
	return st
}

// merge applies st unless we already know a more recent state of its
// node. It tells whether st was applied.
func (dir *capDirectory) merge(st nodeState) bool {
	if st.Node == "" {
		return false
	}

	dir.lk.Lock()
	defer dir.lk.Unlock()
	if st.Node == dir.localNode {
		// Nobody knows better than us.
		return false
	}
	if current, has := dir.nodes[st.Node]; has && current.Rev >= st.Rev {
		return false
	}

	dir.replace(st)
	dir.logger.Debug("capabilities updated",
		telemetry.LabelPeerName.L(st.Node),
		"count", len(st.Caps),
	)
	return true
}

// not thread safe!
// must be called by an holder of Write lock
func (dir *capDirectory) replace(st nodeState) {
	txn := dir.d.Txn()
	if current, has := dir.nodes[st.Node]; has {
		for _, fp := range current.Caps {
			txn.Delete(dirKey(fp, current.Node))
		}
	}
	for _, fp := range st.Caps {
		if len(fp) != len(Fingerprint{}) {
			continue
		}
		txn.Insert(dirKey(fp, st.Node), st.Node)
	}
	dir.d = txn.Commit()
	dir.nodes[st.Node] = st
}

// setAddr updates where a node can be reached, as seen by memberlist.
func (dir *capDirectory) setAddr(node, addr string) {
	dir.lk.Lock()
	defer dir.lk.Unlock()
	st, has := dir.nodes[node]
	if !has {
		dir.nodes[node] = nodeState{Node: node, Addr: addr}
		return
	}
	st.Addr = addr
	dir.nodes[node] = st
}

// forget drops everything a node advertised. Its revision is kept so
// stale states still gossiped by others are not merged back.
func (dir *capDirectory) forget(node string) {
	dir.lk.Lock()
	defer dir.lk.Unlock()
	current, has := dir.nodes[node]
	if !has || node == dir.localNode {
		return
	}
	dir.replace(nodeState{Node: node, Rev: current.Rev})
}

// states returns every known state of reachable nodes.
func (dir *capDirectory) states() []nodeState {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	states := make([]nodeState, 0, len(dir.nodes))
	for _, st := range dir.nodes {
		if st.Rev > 0 && st.Addr != "" {
			states = append(states, st)
		}
	}
	return states
}

// resolve returns the addresses of the remote nodes offering fp, ordered
// by node name.
func (dir *capDirectory) resolve(fp Fingerprint) []string {
	dir.lk.RLock()
	defer dir.lk.RUnlock()

	var found []string
	dir.d.Root().WalkPrefix(fp[:], func(_ []byte, v interface{}) bool {
		node := v.(string)
		if node == dir.localNode {
			return false
		}
		if st, has := dir.nodes[node]; has && st.Addr != "" {
			found = append(found, st.Addr)
		}
		return false
	})
	return found
}

// count returns how many capabilities node advertises.
func (dir *capDirectory) count(node string) int {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	return len(dir.nodes[node].Caps)
}
