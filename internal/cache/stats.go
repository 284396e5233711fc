package cache

import (
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// Stats 是正文目录的容量快照，供诊断接口与 CLI 输出。
type Stats struct {
	Root      string `json:"root"`
	MaxSize   int64  `json:"max_size"`
	Size      int64  `json:"size"`
	Reserved  int64  `json:"reserved"`
	Files     int    `json:"files"`
	Resources int    `json:"resources"`
	Human     string `json:"human"`
}

// Stats 统计当前正文总量、分片数与资源数。
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := s.contentFiles()
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		Root:     s.root,
		MaxSize:  s.maxSize,
		Reserved: s.reserved.Load(),
		Files:    len(files),
	}
	resources := make(map[string]struct{})
	for _, f := range files {
		st.Size += f.size
		resources[filepath.Dir(f.path)] = struct{}{}
	}
	st.Resources = len(resources)
	st.Human = humanize.IBytes(uint64(st.Size)) + " / " + humanize.IBytes(uint64(st.MaxSize))
	return st, nil
}
