// Package descriptor caches the two immutable device descriptors a
// session fetches once: TargetInfo (internal flash geometry, from
// connect) and LoaderInfo (external flash and buffer geometry, from
// loader). Both are fetched on demand and never re-queried within a
// command.
package descriptor

import (
	"errors"
	"strconv"

	"flashprog.dev/flasherr"
	"flashprog.dev/protocol"
)

// TargetInfo is the parsed connect reply.
type TargetInfo struct {
	Target    string
	FlashSize uint32
	PageSize  uint32
	// Extra holds the full parsed key/value block, Target included,
	// for any adapter-specific fields beyond FlashSize/PageSize.
	Extra map[string]string
}

// LoaderInfo is the parsed, second loader reply, with MaxBufSize
// backfilled from bufsize on legacy firmwares that don't report it.
type LoaderInfo struct {
	Loader       string
	SPIFlashSize uint32
	HasSPIFlash  bool
	MaxBufSize   uint32
}

// Cache fetches and memoizes TargetInfo/LoaderInfo for one session.
type Cache struct {
	client *protocol.Client

	target *TargetInfo
	loader *LoaderInfo
}

func New(client *protocol.Client) *Cache {
	return &Cache{client: client}
}

// Connect fetches and caches TargetInfo, issuing connect only once
// per Cache.
func (c *Cache) Connect() (*TargetInfo, error) {
	if c.target != nil {
		return c.target, nil
	}
	kv, err := c.client.Connect()
	if err != nil {
		return nil, err
	}
	target, ok := kv["Target"]
	if !ok {
		return nil, flasherr.New(flasherr.Connection, "connect", errors.New("connect reply missing Target"))
	}
	flashSize, err := parseUint(flasherr.Connection, "connect", kv, "FlashSize")
	if err != nil {
		return nil, err
	}
	pageSize, err := parseUint(flasherr.Connection, "connect", kv, "PageSize")
	if err != nil {
		return nil, err
	}
	c.target = &TargetInfo{Target: target, FlashSize: flashSize, PageSize: pageSize, Extra: kv}
	return c.target, nil
}

// LoaderInfo fetches and caches LoaderInfo, issuing the double
// loader/bufsize sequence only once per Cache.
func (c *Cache) LoaderInfo() (*LoaderInfo, error) {
	if c.loader != nil {
		return c.loader, nil
	}
	kv, err := c.client.Loader()
	if err != nil {
		return nil, err
	}
	loader, ok := kv["Loader"]
	if !ok || loader == "error" {
		return nil, flasherr.New(flasherr.Loader, "loader", errors.New("loader reply missing or errored Loader"))
	}
	info := &LoaderInfo{Loader: loader}
	if v, ok := kv["SPIFlashSize"]; ok {
		size, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, flasherr.New(flasherr.Protocol, "loader", err)
		}
		info.SPIFlashSize = uint32(size)
		info.HasSPIFlash = true
	}
	if v, ok := kv["MaxBufSize"]; ok {
		size, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, flasherr.New(flasherr.Protocol, "loader", err)
		}
		info.MaxBufSize = uint32(size)
	} else {
		words, err := c.client.BufSize()
		if err != nil {
			return nil, err
		}
		info.MaxBufSize = words * 4
	}
	c.loader = info
	return c.loader, nil
}

// RequireSPIFlash returns Loader's reported SPI geometry, failing
// with a Loader error if this firmware doesn't report one -- the
// eflash commands need it and there is no sensible default.
func (c *Cache) RequireSPIFlash() (uint32, error) {
	li, err := c.LoaderInfo()
	if err != nil {
		return 0, err
	}
	if !li.HasSPIFlash {
		return 0, flasherr.New(flasherr.Loader, "loader", errors.New("firmware does not report SPIFlashSize"))
	}
	return li.SPIFlashSize, nil
}

func parseUint(kind flasherr.Kind, op string, kv map[string]string, key string) (uint32, error) {
	v, ok := kv[key]
	if !ok {
		return 0, flasherr.New(kind, op, errors.New("missing "+key))
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, flasherr.New(kind, op, err)
	}
	return uint32(n), nil
}
