package auth

import "context"

// RoleAdmin 是运维接口（worker 槽位、死信）需要的角色。
const RoleAdmin = "admin"

// Identity 是通过认证的调用方：Subject 一般是运维人员或自动化脚本的名字。
type Identity struct {
	Subject string
	Role    string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
