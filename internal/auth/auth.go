// Package auth 实现了CONNECT阶段的凭据校验协作方
package auth

import "github.com/hivemesh-dev/hivemesh-mqtt-broker/internal/config"

// Authenticator CONNECT处理期间调用的凭据校验回调
type Authenticator interface {
	Authenticate(clientID, username string, password []byte) bool
}

// AllowAll 默认实现，接受所有未认证连接
type AllowAll struct{}

func (AllowAll) Authenticate(string, string, []byte) bool {
	return true
}

// ConfigAuthenticator 基于配置文件中用户表的明文校验
type ConfigAuthenticator struct {
	users map[string]string
}

func NewConfigAuthenticator(users map[string]string) *ConfigAuthenticator {
	return &ConfigAuthenticator{users: users}
}

func (a *ConfigAuthenticator) Authenticate(_ string, username string, password []byte) bool {
	expected, ok := a.users[username]
	if !ok {
		return false
	}
	return expected == string(password)
}

// FromConfig 根据配置选择认证实现
func FromConfig(c config.Config) Authenticator {
	if c.Auth.Enable {
		return NewConfigAuthenticator(c.Auth.Users)
	}
	return AllowAll{}
}
