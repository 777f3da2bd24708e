package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bigkaa/tempshare/internal/storage/kv"
)

type chunkResult struct {
	data []byte
	err  error
}

// assembler — io.ReadCloser, отдающий чанки 0..N-1 по порядку.
// Горутина-загрузчик держит не больше одного чанка впереди читателя.
type assembler struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan chunkResult
	cur    []byte
	err    error
}

func newAssembler(parent context.Context, store kv.Store, fileID string, count int) *assembler {
	ctx, cancel := context.WithCancel(parent)
	a := &assembler{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan chunkResult, 1),
	}
	go a.fetch(store, fileID, count)
	return a
}

func (a *assembler) fetch(store kv.Store, fileID string, count int) {
	defer close(a.ch)
	for i := 0; i < count; i++ {
		data, err := store.Get(a.ctx, Key(fileID, i))
		if errors.Is(err, kv.ErrNotFound) {
			err = fmt.Errorf("%w: %s #%d", ErrChunkMissing, fileID, i)
		} else if err != nil {
			err = fmt.Errorf("ошибка чтения чанка %d: %w", i, err)
		}

		select {
		case a.ch <- chunkResult{data: data, err: err}:
		case <-a.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (a *assembler) Read(p []byte) (int, error) {
	if a.err != nil {
		return 0, a.err
	}
	for len(a.cur) == 0 {
		select {
		case res, ok := <-a.ch:
			if !ok {
				a.err = io.EOF
				return 0, io.EOF
			}
			if res.err != nil {
				a.err = res.err
				return 0, res.err
			}
			a.cur = res.data
		case <-a.ctx.Done():
			a.err = a.ctx.Err()
			return 0, a.err
		}
	}

	n := copy(p, a.cur)
	a.cur = a.cur[n:]
	return n, nil
}

func (a *assembler) Close() error {
	a.cancel()
	if a.err == nil {
		a.err = errors.New("поток закрыт")
	}
	return nil
}
