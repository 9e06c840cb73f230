package split

import "github.com/qrv0/crow/internal/fileformat"

// Entry is a tensor waiting in a shard queue.
type Entry struct {
	Name    string
	Tensor  fileformat.Tensor
	RawType *fileformat.GGMLType
}

// NBytes is the size the entry contributes to its shard.
func (e Entry) NBytes() uint64 {
	t := e.Tensor
	if e.RawType != nil {
		t.Type = *e.RawType
	}
	return t.NBytes()
}

// shard is one planned output file. TensorCount and Size always match the
// queued entries; Path is assigned at finalize.
type shard struct {
	Path        string
	TensorCount int
	Size        ShardSize
	queue       []Entry
}

func metadataShard() *shard { return &shard{Size: MetadataOnly} }

func newShard(e Entry) *shard {
	return &shard{TensorCount: 1, Size: SizeOf(e.NBytes()), queue: []Entry{e}}
}

func (s *shard) push(e Entry) {
	s.TensorCount++
	s.Size = s.Size.Add(e.NBytes())
	s.queue = append(s.queue, e)
}

// pop moves the oldest entry out of the queue and clears its slot so the
// payload is only referenced by the caller.
func (s *shard) pop() (Entry, bool) {
	if len(s.queue) == 0 {
		return Entry{}, false
	}
	e := s.queue[0]
	s.queue[0] = Entry{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	return e, true
}

// Pending is the number of entries not yet handed to a shard writer.
func (s *shard) Pending() int { return len(s.queue) }
