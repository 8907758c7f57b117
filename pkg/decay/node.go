package decay

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/validation"
)

// DefaultNamespace prefixes every key the engine writes.
const DefaultNamespace = "lbucket"

// KeyKind classifies an engine key.
type KeyKind string

const (
	KindCounter KeyKind = "captcha"
	KindBucket  KeyKind = "bucket"
	KindPocket  KeyKind = "pocket"
)

// Node is the identity of one engine process. Every key it writes carries a
// hash tag built from the namespace and id, so a cluster router keeps one
// node's counters, buckets and pockets on one shard while keys of different
// nodes never collide. A Node is immutable once created.
type Node struct {
	namespace string
	id        uint64
	tag       string
}

// NewNode returns a node with a random id.
func NewNode(namespace string) (Node, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Node{}, fmt.Errorf("generate node id: %w", err)
	}
	return NodeFromID(namespace, binary.BigEndian.Uint64(b[:]))
}

// NodeFromID returns a node with a fixed id, for restarts that must keep
// addressing the same keys.
func NodeFromID(namespace string, id uint64) (Node, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := validation.ValidateNotEmpty("decay", "namespace", namespace); err != nil {
		return Node{}, err
	}
	if strings.ContainsAny(namespace, ":{} ") {
		return Node{}, lberrors.NewValidationError("decay", "namespace", namespace, "must not contain ':', '{', '}' or spaces")
	}
	return Node{
		namespace: namespace,
		id:        id,
		tag:       "{" + namespace + "-" + strconv.FormatUint(id, 10) + "}",
	}, nil
}

// ID returns the node id.
func (n Node) ID() uint64 { return n.id }

// Namespace returns the key namespace.
func (n Node) Namespace() string { return n.namespace }

// HashTag returns the cluster hash tag, braces included.
func (n Node) HashTag() string { return n.tag }

// IsZero reports whether n was never initialized.
func (n Node) IsZero() bool { return n.tag == "" }

func (n Node) String() string { return n.namespace + "-" + strconv.FormatUint(n.id, 10) }

// Prefix returns the key prefix for kind, ending in ':'.
func (n Node) Prefix(kind KeyKind) string {
	return n.namespace + ":" + string(kind) + ":" + n.tag + ":"
}

// CounterKey returns the key of the counter called name.
func (n Node) CounterKey(name string) string { return n.Prefix(KindCounter) + name }

// BucketKey returns the key of the bucket record for counter name.
func (n Node) BucketKey(name string) string { return n.Prefix(KindBucket) + name }

// PocketKey returns the key of the pocket for instant.
func (n Node) PocketKey(instant int64) string {
	return n.Prefix(KindPocket) + strconv.FormatInt(instant, 10)
}

// ParseKey splits a key written by this node into its kind and the part
// after the prefix. ok is false for keys of other nodes or namespaces.
func (n Node) ParseKey(key string) (kind KeyKind, name string, ok bool) {
	for _, k := range []KeyKind{KindCounter, KindBucket, KindPocket} {
		if rest, found := strings.CutPrefix(key, n.Prefix(k)); found {
			return k, rest, true
		}
	}
	return "", "", false
}
