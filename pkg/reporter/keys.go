package reporter

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/goupter/nerve/pkg/errors"
)

// KeyStrategy 由基础路径和注册记录生成子节点名
type KeyStrategy func(base string, rec Record) (string, error)

// InstanceKey <base>/<instance_id>_
func InstanceKey(base string, rec Record) (string, error) {
	return joinKey(base, rec.Name+"_"), nil
}

// EncodedKey <base>/base64_<len>_<base64url(json)>_，消费方只读子节点名即可拿到记录
func EncodedKey(base string, rec Record) (string, error) {
	data, err := rec.Encode()
	if err != nil {
		return "", err
	}
	encoded := base64.URLEncoding.EncodeToString(data)
	return joinKey(base, fmt.Sprintf("base64_%d_%s_", len(encoded), encoded)), nil
}

// KeyStrategyByName 按配置名选择键策略，空字符串为 instance
func KeyStrategyByName(name string) (KeyStrategy, error) {
	switch name {
	case "", "instance":
		return InstanceKey, nil
	case "encoded":
		return EncodedKey, nil
	default:
		return nil, errors.Newf(errors.CodeConfig, "unknown key_strategy %q", name)
	}
}

// DecodeEncodedKey 从 EncodedKey 生成的子节点名还原记录内容
func DecodeEncodedKey(child string) ([]byte, error) {
	if i := strings.LastIndex(child, "/"); i >= 0 {
		child = child[i+1:]
	}
	rest, ok := strings.CutPrefix(child, "base64_")
	if !ok {
		return nil, errors.Newf(errors.CodeProtocol, "not an encoded key: %s", child)
	}
	var n int
	lenStr, payload, ok := strings.Cut(rest, "_")
	if !ok {
		return nil, errors.Newf(errors.CodeProtocol, "malformed encoded key: %s", child)
	}
	if _, err := fmt.Sscanf(lenStr, "%d", &n); err != nil || n > len(payload) {
		return nil, errors.Newf(errors.CodeProtocol, "malformed encoded key length: %s", child)
	}
	return base64.URLEncoding.DecodeString(payload[:n])
}

func joinKey(base, child string) string {
	return strings.TrimRight(base, "/") + "/" + child
}
