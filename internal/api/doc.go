// Package api 暴露 REST 接口：铸造会话凭证、管理自动化规则、
// 查询执行账本以及手动触发执行。
package api
