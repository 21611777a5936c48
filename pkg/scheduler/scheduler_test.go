package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/WebFirstLanguage/raidpir/pkg/database"
	"github.com/WebFirstLanguage/raidpir/pkg/query"
	"github.com/WebFirstLanguage/raidpir/pkg/responder"
)

// pipeDialer hands back one end of an in-process net.Pipe per mirror
// address, running a responder.Serve loop on the other end. alive controls
// which addresses actually accept connections, letting tests simulate a
// dropped mirror.
type pipeDialer struct {
	responders map[string]*responder.Responder
	alive      map[string]bool
}

func (d *pipeDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	if d.alive != nil && !d.alive[addr] {
		return nil, context.DeadlineExceeded
	}
	client, server := net.Pipe()
	go func() {
		responder.Serve(d.responders[addr], server)
		server.Close()
	}()
	return client, nil
}

func makeMirrors(t *testing.T, blockSize, blockCount, k int) (*pipeDialer, []string) {
	t.Helper()
	blocks := make([][]byte, blockCount)
	for i := range blocks {
		blocks[i] = bytes.Repeat([]byte{byte(i)}, blockSize)
	}

	d := &pipeDialer{responders: map[string]*responder.Responder{}, alive: map[string]bool{}}
	addrs := make([]string, k)
	for i := 0; i < k; i++ {
		db, err := database.NewMemoryDatabase(uint64(blockSize), blocks)
		if err != nil {
			t.Fatal(err)
		}
		addr := fmt.Sprintf("mirror-%d", i)
		addrs[i] = addr
		d.responders[addr] = responder.New(db, k)
		d.alive[addr] = true
	}
	return d, addrs
}

func TestFetchChunkedReconstructsRequestedBlocks(t *testing.T) {
	const blockSize = 16
	const blockCount = 64
	const k = 4
	const r = 2

	d, addrs := makeMirrors(t, blockSize, blockCount, k)
	sched := New(d, query.Options{K: k, R: r}, blockSize, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, timings, err := sched.Fetch(ctx, blockCount, []uint64{5, 37}, addrs)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range []uint64{5, 37} {
		want := bytes.Repeat([]byte{byte(b)}, blockSize)
		if !bytes.Equal(results[b], want) {
			t.Fatalf("block %d: got %v, want %v", b, results[b], want)
		}
	}
	for _, addr := range addrs {
		if timings.Average(addr) < 0 {
			t.Fatalf("unexpected negative timing for %s", addr)
		}
	}
}

func TestFetchSurvivesOneMirrorFailureWithRedundancyTwo(t *testing.T) {
	const blockSize = 16
	const blockCount = 64
	const k = 4
	const r = 2

	d, addrs := makeMirrors(t, blockSize, blockCount, k)
	d.alive[addrs[2]] = false // mirror 2 is down for every round

	sched := New(d, query.Options{K: k, R: r}, blockSize, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, _, err := sched.Fetch(ctx, blockCount, []uint64{5, 37}, addrs)
	if err != nil {
		t.Fatalf("expected reconstruction to survive one mirror failure, got %v", err)
	}
	for _, b := range []uint64{5, 37} {
		want := bytes.Repeat([]byte{byte(b)}, blockSize)
		if !bytes.Equal(results[b], want) {
			t.Fatalf("block %d: got %v, want %v", b, results[b], want)
		}
	}
}

func TestFetchFailsWhenTwoMirrorsDownWithRedundancyTwo(t *testing.T) {
	const blockSize = 16
	const blockCount = 64
	const k = 4
	const r = 2

	d, addrs := makeMirrors(t, blockSize, blockCount, k)
	d.alive[addrs[1]] = false
	d.alive[addrs[2]] = false

	sched := New(d, query.Options{K: k, R: r}, blockSize, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := sched.Fetch(ctx, blockCount, []uint64{5, 37}, addrs)
	if err == nil {
		t.Fatal("expected ErrMirrorUnavailable with two mirrors down at r=2")
	}
}

func TestFetchPlainSingleBlock(t *testing.T) {
	const blockSize = 16
	const blockCount = 8
	const k = 2

	d, addrs := makeMirrors(t, blockSize, blockCount, k)
	sched := New(d, query.Options{K: k}, blockSize, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, _, err := sched.Fetch(ctx, blockCount, []uint64{3}, addrs)
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Repeat([]byte{3}, blockSize)
	if !bytes.Equal(results[3], want) {
		t.Fatalf("got %v, want %v", results[3], want)
	}
}
