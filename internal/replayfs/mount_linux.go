//go:build linux
// +build linux

// Package replayfs exposes a read-only FUSE view over recorded pipeline
// runs, generating a virtual directory tree from stats.Ledger rows the way
// the teacher's internal/vodfs generates one from movie/series catalog rows.
package replayfs

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/snapetech/tswrite/internal/stats"
)

// Run is one recorded pipeline run as replayfs serves it.
type Run struct {
	ID           string
	InputPath    string // on-disk path of the original input, if retained
	TimingLedger []int64
}

// Root is the filesystem root: one directory per recorded run.
type Root struct {
	fs.Inode
	Runs []Run
}

var _ fs.NodeReaddirer = (*Root)(nil)
var _ fs.NodeLookuper = (*Root)(nil)

func ino(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return &runDirStream{root: r}, 0
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	for i := range r.Runs {
		if r.Runs[i].ID == name {
			child := &RunDirNode{Root: r, Run: &r.Runs[i]}
			ch := r.NewInode(ctx, child, fs.StableAttr{
				Mode: fuse.S_IFDIR,
				Ino:  ino("run:" + name),
			})
			out.Mode = fuse.S_IFDIR | 0755
			out.SetEntryTimeout(time.Second)
			out.SetAttrTimeout(time.Second)
			return ch, 0
		}
	}
	return nil, syscall.ENOENT
}

type runDirStream struct {
	root *Root
	i    int
}

func (s *runDirStream) HasNext() bool { return s.i < len(s.root.Runs) }

func (s *runDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	run := &s.root.Runs[s.i]
	s.i++
	return fuse.DirEntry{Name: run.ID, Ino: ino("run:" + run.ID), Mode: fuse.S_IFDIR | 0755}, 0
}

func (s *runDirStream) Close() {}

// RunDirNode lists one run's files: timings.csv, plus input.ts when the
// run's InputPath is set.
type RunDirNode struct {
	fs.Inode
	Root *Root
	Run  *Run
}

var _ fs.NodeReaddirer = (*RunDirNode)(nil)
var _ fs.NodeLookuper = (*RunDirNode)(nil)

func (n *RunDirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := []fuse.DirEntry{
		{Name: "timings.csv", Ino: ino("timings:" + n.Run.ID), Mode: fuse.S_IFREG | 0444},
	}
	if n.Run.InputPath != "" {
		entries = append(entries, fuse.DirEntry{Name: "input.ts", Ino: ino("input:" + n.Run.ID), Mode: fuse.S_IFREG | 0444})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *RunDirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	switch name {
	case "timings.csv":
		csv := stats.TimingCSV(n.Run.TimingLedger)
		child := &staticFileNode{data: csv}
		ch := n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: ino("timings:" + n.Run.ID)})
		out.Mode = fuse.S_IFREG | 0444
		out.Size = uint64(len(csv))
		return ch, 0
	case "input.ts":
		if n.Run.InputPath == "" {
			return nil, syscall.ENOENT
		}
		child := &passthroughFileNode{path: n.Run.InputPath}
		ch := n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: ino("input:" + n.Run.ID)})
		out.Mode = fuse.S_IFREG | 0444
		if fi, err := os.Stat(n.Run.InputPath); err == nil {
			out.Size = uint64(fi.Size())
		}
		return ch, 0
	default:
		return nil, syscall.ENOENT
	}
}

// staticFileNode serves an in-memory byte slice (generated content such as
// timings.csv, which has no backing file on disk).
type staticFileNode struct {
	fs.Inode
	data []byte
}

var _ fs.NodeGetattrer = (*staticFileNode)(nil)
var _ fs.NodeReader = (*staticFileNode)(nil)

func (n *staticFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Size = uint64(len(n.data))
	out.Mode = fuse.S_IFREG | 0444
	return 0
}

func (n *staticFileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(n.data)) {
		return fuse.ReadResultData(dest[:0]), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(n.data)) {
		end = int64(len(n.data))
	}
	return fuse.ReadResultData(n.data[off:end]), 0
}

// passthroughFileNode reads a recorded run's retained input file from disk,
// the way the teacher's VirtualFileNode reads a materialized cache file.
type passthroughFileNode struct {
	fs.Inode
	path string
}

var _ fs.NodeGetattrer = (*passthroughFileNode)(nil)
var _ fs.NodeReader = (*passthroughFileNode)(nil)

func (n *passthroughFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fi, err := os.Stat(n.path)
	if err != nil {
		return syscall.ENOENT
	}
	out.Size = uint64(fi.Size())
	out.Mode = fuse.S_IFREG | 0444
	return 0
}

func (n *passthroughFileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f, err := os.Open(n.path)
	if err != nil {
		return nil, syscall.EIO
	}
	defer f.Close()
	nread, err := f.ReadAt(dest, off)
	if err != nil && nread == 0 {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:nread]), 0
}

// Mount mounts replayfs at mountPoint, blocking until SIGINT/SIGTERM.
func Mount(mountPoint string, runs []Run) error {
	root := &Root{Runs: runs}
	server, err := fs.Mount(mountPoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{Debug: false},
	})
	if err != nil {
		return fmt.Errorf("replayfs: mount %q: %w", mountPoint, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		log.Println("replayfs: unmounting")
		_ = server.Unmount()
	}()

	server.Wait()
	stop()
	return nil
}
