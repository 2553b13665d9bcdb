package id

import (
	crand "crypto/rand"
	"errors"
	"fmt"
	"sync"
)

const nanoIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// nanoIDSource draws random bytes in blocks so that each generated
// id does not hit crypto/rand on its own.
type nanoIDSource struct {
	lock   sync.Mutex
	block  []byte
	offset int
	length int
}

func (src *nanoIDSource) next() string {
	src.lock.Lock()
	defer src.lock.Unlock()

	if src.offset+src.length > len(src.block) {
		if _, err := crand.Read(src.block); err != nil {
			panic(fmt.Errorf("[nano-id] refill random block failed, %w", err))
		}
		src.offset = 0
	}
	out := make([]byte, src.length)
	mask := byte(len(nanoIDAlphabet) - 1)
	for i := 0; i < src.length; i++ {
		out[i] = nanoIDAlphabet[src.block[src.offset+i]&mask]
	}
	src.offset += src.length
	return string(out)
}

// ClassicNanoID returns a url-safe random id generator, used to name
// transport consumers (stream entries, subscription tokens).
func ClassicNanoID(length int) (NanoIDGen, error) {
	if length < 2 || length > 255 {
		return nil, errors.New("invalid nano-id length")
	}
	src := &nanoIDSource{
		block:  make([]byte, length*64),
		length: length,
	}
	if _, err := crand.Read(src.block); err != nil {
		return nil, fmt.Errorf("[nano-id] pre-allocate bytes failed, %w", err)
	}
	return src.next, nil
}
