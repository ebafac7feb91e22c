package nixpkgsreview

// PRSpec is the pull-request metadata the Code-Host Client resolves
// before the Worktree Manager can materialise a merged checkout: the base
// branch to merge into, the head commit to merge in, and the title/body
// used when rendering a report for humans.
type PRSpec struct {
	Number  int
	BaseRef string
	BaseSha string
	HeadSha string
	Title   string
	Body    string
}
