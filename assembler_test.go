package sea

import (
	"bytes"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func splitFrames(t *testing.T, payload []byte, id string) []ProtocolMessage {
	t.Helper()
	s := &Splitter{Limit: 32, NewID: fixedID(id)}
	frames, err := s.Split("S", "R", ActionResponse, payload)
	require.NoError(t, err)
	require.Greater(t, len(frames), 3)
	return frames
}

func TestAssembler_SingleDeliveredImmediately(t *testing.T) {
	a := NewAssembler()
	d, err := a.Accept(NewRequest("S", "R", "/a.txt"))
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, ActionRequest, d.Action)
	require.Equal(t, []byte("/a.txt"), d.Payload)
	require.Empty(t, d.TransferID)
	require.Zero(t, a.Pending())
}

func TestAssembler_InOrder(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 10)
	frames := splitFrames(t, payload, "ID")

	a := NewAssembler()
	for i, f := range frames {
		d, err := a.Accept(f)
		require.NoError(t, err)
		if i < len(frames)-1 {
			require.Nil(t, d)
			require.Equal(t, 1, a.Pending())
			continue
		}
		require.NotNil(t, d)
		require.Equal(t, payload, d.Payload)
		require.Equal(t, "S", d.Sender)
		require.Equal(t, "R", d.Receiver)
	}
	require.Zero(t, a.Pending())
}

func TestAssembler_OrderIndependent(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 20)
	frames := splitFrames(t, payload, "ID")
	parts := frames[1:]

	rng := rand.New(rand.NewSource(3))
	for round := 0; round < 20; round++ {
		shuffled := append([]ProtocolMessage(nil), parts...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		a := NewAssembler()
		_, err := a.Accept(frames[0])
		require.NoError(t, err)

		var got *Delivery
		for _, p := range shuffled {
			d, err := a.Accept(p)
			require.NoError(t, err)
			if d != nil {
				got = d
			}
		}
		require.NotNil(t, got)
		require.Equal(t, payload, got.Payload)
	}
}

func TestAssembler_DuplicatePartsIgnored(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	frames := splitFrames(t, payload, "ID")

	a := NewAssembler()
	_, err := a.Accept(frames[0])
	require.NoError(t, err)

	first := frames[1].Body.(Part)
	forged := ProtocolMessage{Sender: "S", Receiver: "R", Body: Part{TransferID: "ID", Index: first.Index, Payload: []byte("XXXXXXXX")}}

	for _, f := range []ProtocolMessage{frames[1], frames[1], forged} {
		d, err := a.Accept(f)
		require.NoError(t, err)
		require.Nil(t, d)
	}

	var got *Delivery
	for _, f := range frames[2:] {
		d, err := a.Accept(f)
		require.NoError(t, err)
		if d != nil {
			got = d
		}
	}
	require.NotNil(t, got)
	require.Equal(t, payload, got.Payload)
}

func TestAssembler_UnknownTransfer(t *testing.T) {
	a := NewAssembler()
	_, err := a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Announcement{Action: "res", TransferID: "KNOWN", PartCount: 2}})
	require.NoError(t, err)

	d, err := a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Part{TransferID: "OTHER", Payload: []byte("x")}})
	require.Nil(t, d)
	require.True(t, errors.Is(err, ErrUnknownTransfer), "got %v", err)

	var re *ReassemblyError
	require.True(t, errors.As(err, &re))
	require.Equal(t, TransferKey{Sender: "S", Receiver: "R", TransferID: "OTHER"}, re.Key)
	require.Equal(t, 1, a.Pending())

	// same id from another sender is a different transfer
	_, err = a.Accept(ProtocolMessage{Sender: "X", Receiver: "R", Body: Part{TransferID: "KNOWN", Payload: []byte("x")}})
	require.True(t, errors.Is(err, ErrUnknownTransfer), "got %v", err)
	require.Equal(t, 1, a.Pending())
}

func TestAssembler_IndexOutOfRangeKeepsTransfer(t *testing.T) {
	a := NewAssembler()
	_, err := a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Announcement{Action: "res", TransferID: "ID", PartCount: 2}})
	require.NoError(t, err)

	_, err = a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Part{TransferID: "ID", Index: 2, Payload: []byte("bad")}})
	require.True(t, errors.Is(err, ErrIndexOutOfRange), "got %v", err)

	var re *ReassemblyError
	require.True(t, errors.As(err, &re))
	require.Equal(t, uint32(2), re.Index)
	require.Equal(t, uint32(2), re.PartCount)

	_, err = a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Part{TransferID: "ID", Index: 1, Payload: []byte("lo")}})
	require.NoError(t, err)
	d, err := a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Part{TransferID: "ID", Index: 0, Payload: []byte("hel")}})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), d.Payload)
}

func TestAssembler_PartAfterCompletionIsUnknown(t *testing.T) {
	frames := splitFrames(t, bytes.Repeat([]byte("q"), 60), "ID")
	a := NewAssembler()
	for _, f := range frames {
		_, err := a.Accept(f)
		require.NoError(t, err)
	}

	_, err := a.Accept(frames[1])
	require.True(t, errors.Is(err, ErrUnknownTransfer), "got %v", err)
}

func TestAssembler_ReannouncementIdempotent(t *testing.T) {
	ann := ProtocolMessage{Sender: "S", Receiver: "R", Body: Announcement{Action: "res", TransferID: "ID", PartCount: 2}}
	var abandoned []Abandoned
	a := NewAssembler(OnAbandonedOption(func(ab Abandoned) { abandoned = append(abandoned, ab) }))

	_, err := a.Accept(ann)
	require.NoError(t, err)
	_, err = a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Part{TransferID: "ID", Index: 0, Payload: []byte("ab")}})
	require.NoError(t, err)
	_, err = a.Accept(ann)
	require.NoError(t, err)

	d, err := a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Part{TransferID: "ID", Index: 1, Payload: []byte("cd")}})
	require.NoError(t, err)
	require.Equal(t, []byte("abcd"), d.Payload)
	require.Empty(t, abandoned)
}

func TestAssembler_ConflictingReannouncementReplaces(t *testing.T) {
	var abandoned []Abandoned
	a := NewAssembler(OnAbandonedOption(func(ab Abandoned) { abandoned = append(abandoned, ab) }))

	_, err := a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Announcement{Action: "res", TransferID: "ID", PartCount: 3}})
	require.NoError(t, err)
	_, err = a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Part{TransferID: "ID", Index: 0, Payload: []byte("old")}})
	require.NoError(t, err)
	_, err = a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Announcement{Action: "res", TransferID: "ID", PartCount: 1}})
	require.NoError(t, err)

	require.Len(t, abandoned, 1)
	require.Equal(t, ReasonReplaced, abandoned[0].Reason)
	require.Equal(t, uint32(3), abandoned[0].Expected)
	require.Equal(t, uint32(1), abandoned[0].Received)

	d, err := a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Part{TransferID: "ID", Index: 0, Payload: []byte("new")}})
	require.NoError(t, err)
	require.Equal(t, []byte("new"), d.Payload)
}

func TestAssembler_IdleTransfersEvicted(t *testing.T) {
	var mu sync.Mutex
	var abandoned []Abandoned
	a := NewAssembler(
		IdleTimeoutOption(30*time.Millisecond),
		SweepIntervalOption(time.Hour),
		OnAbandonedOption(func(ab Abandoned) {
			mu.Lock()
			abandoned = append(abandoned, ab)
			mu.Unlock()
		}),
	)

	_, err := a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Announcement{Action: "res", TransferID: "ID", PartCount: 2}})
	require.NoError(t, err)
	_, err = a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Part{TransferID: "ID", Index: 0, Payload: []byte("x")}})
	require.NoError(t, err)
	require.Equal(t, 1, a.Pending())

	time.Sleep(60 * time.Millisecond)

	// expired entries are invisible before the sweep runs
	require.Zero(t, a.Pending())
	_, err = a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Part{TransferID: "ID", Index: 1, Payload: []byte("y")}})
	require.True(t, errors.Is(err, ErrUnknownTransfer), "got %v", err)

	a.Sweep()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, abandoned, 1)
	require.Equal(t, ReasonIdle, abandoned[0].Reason)
	require.Equal(t, uint32(1), abandoned[0].Received)
	require.Equal(t, uint32(2), abandoned[0].Expected)
}

func TestAssembler_SweeperRunsInBackground(t *testing.T) {
	done := make(chan Abandoned, 1)
	a := NewAssembler(
		IdleTimeoutOption(20*time.Millisecond),
		SweepIntervalOption(10*time.Millisecond),
		OnAbandonedOption(func(ab Abandoned) { done <- ab }),
	)
	defer a.Close()

	_, err := a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Announcement{Action: "res", TransferID: "ID", PartCount: 2}})
	require.NoError(t, err)

	select {
	case ab := <-done:
		require.Equal(t, "ID", ab.Key.TransferID)
	case <-time.After(2 * time.Second):
		t.Fatal("transfer was never evicted")
	}
}

func TestAssembler_CompletedTransferNotReported(t *testing.T) {
	var abandoned []Abandoned
	a := NewAssembler(OnAbandonedOption(func(ab Abandoned) { abandoned = append(abandoned, ab) }))
	for _, f := range splitFrames(t, bytes.Repeat([]byte("k"), 80), "ID") {
		_, err := a.Accept(f)
		require.NoError(t, err)
	}
	a.Sweep()
	a.Flush()
	require.Empty(t, abandoned)
}

func TestAssembler_Flush(t *testing.T) {
	var abandoned []Abandoned
	a := NewAssembler(OnAbandonedOption(func(ab Abandoned) { abandoned = append(abandoned, ab) }))
	for i := 0; i < 3; i++ {
		_, err := a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Announcement{Action: "res", TransferID: fmt.Sprint("ID", i), PartCount: 2}})
		require.NoError(t, err)
	}
	require.Equal(t, 3, a.Pending())

	a.Flush()
	require.Zero(t, a.Pending())
	require.Len(t, abandoned, 3)
	for _, ab := range abandoned {
		require.Equal(t, ReasonFlushed, ab.Reason)
	}
}

func TestAssembler_ConcurrentTransfers(t *testing.T) {
	a := NewAssembler()

	const transfers = 16
	payloads := make([][]byte, transfers)
	results := make([][]byte, transfers)

	var wg sync.WaitGroup
	for i := 0; i < transfers; i++ {
		payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, 100+i*7)
		frames := splitFrames(t, payloads[i], fmt.Sprint("T", i))

		wg.Add(1)
		go func(i int, frames []ProtocolMessage) {
			defer wg.Done()
			for _, f := range frames {
				d, err := a.Accept(f)
				if err != nil {
					return
				}
				if d != nil {
					results[i] = d.Payload
				}
			}
		}(i, frames)
	}
	wg.Wait()

	for i := range payloads {
		require.Equal(t, payloads[i], results[i], "transfer %d", i)
	}
	require.Zero(t, a.Pending())
}

func TestAssembler_UnknownBody(t *testing.T) {
	_, err := NewAssembler().Accept(ProtocolMessage{Sender: "S", Receiver: "R"})
	require.Equal(t, ErrUnknownBody, err)
}

func TestAssembler_CloseStopsSweeper(t *testing.T) {
	before := runtime.NumGoroutine()

	assemblers := make([]*Assembler, 50)
	for i := range assemblers {
		assemblers[i] = NewAssembler(SweepIntervalOption(time.Millisecond))
	}
	require.GreaterOrEqual(t, runtime.NumGoroutine(), before+len(assemblers))

	for _, a := range assemblers {
		a.Close()
		a.Close()
	}
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAssembler_CloseFlushes(t *testing.T) {
	var abandoned []Abandoned
	a := NewAssembler(OnAbandonedOption(func(ab Abandoned) { abandoned = append(abandoned, ab) }))
	_, err := a.Accept(ProtocolMessage{Sender: "S", Receiver: "R", Body: Announcement{Action: "res", TransferID: "ID", PartCount: 2}})
	require.NoError(t, err)

	a.Close()
	require.Zero(t, a.Pending())
	require.Len(t, abandoned, 1)
	require.Equal(t, ReasonFlushed, abandoned[0].Reason)
}
