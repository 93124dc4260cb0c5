package remote

import "github.com/user/rollcall/internal/types"

var (
	_ types.ObjectStore = (*GitHubStore)(nil)
	_ types.ObjectStore = (*MemStore)(nil)
)
