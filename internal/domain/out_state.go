package domain

// OutState 描述输出目录的现状（只做 ReadDir，不读内容）。
type OutState struct {
	OutDir string

	// ExistingNames 是目录内现有文件名集合，用于 O(1) 判定“已转换”。
	ExistingNames map[string]struct{}
}

// Has 判断输出目录里是否已有 name。
func (s OutState) Has(name string) bool {
	_, ok := s.ExistingNames[name]
	return ok
}
