package cascada

import (
	"sync"
)

// programCache stores compiled programs keyed by source path so repeated
// renders of the same template skip the compiler. A miss compiles outside
// the lock and then stores the result: concurrent first renders of one path
// may both compile, and the last store wins harmlessly.
type programCache struct {
	mu       sync.RWMutex
	programs map[string]Program
}

func newProgramCache() *programCache {
	return &programCache{programs: make(map[string]Program)}
}

// get returns the cached program for path, if any. Safe for concurrent use.
func (c *programCache) get(path string) (Program, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.programs[path]
	return p, ok
}

// put stores a compiled program under path.
func (c *programCache) put(path string, p Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[path] = p
}

// invalidate drops the cached program for path, or every entry when path is
// empty. Loaders that watch for source changes call this.
func (c *programCache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if path == "" {
		c.programs = make(map[string]Program)
		return
	}
	delete(c.programs, path)
}
