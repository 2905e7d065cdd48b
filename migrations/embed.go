// Package migrations 把 postgres 建表脚本编进二进制，部署时不依赖工作目录。
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
