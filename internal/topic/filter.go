// Package topic 实现了主题过滤器语法校验和订阅匹配树
package topic

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFilter 表示主题过滤器违反通配符语法
// 该错误只影响单个过滤器，不影响连接
var ErrInvalidFilter = errors.New("invalid topic filter")

// Filter 表示一个解析后的主题过滤器，解析后不可变
type Filter struct {
	raw      string
	segments []string
}

// ParseFilter 解析并校验主题过滤器
// '#'只能作为最后一个层级单独出现，'+'只能单独占据一个层级
func ParseFilter(raw string) (Filter, error) {
	if raw == "" {
		return Filter{}, fmt.Errorf("%w: filter must not be empty", ErrInvalidFilter)
	}

	segments := strings.Split(raw, "/")
	for i, segment := range segments {
		switch {
		case segment == "#":
			if i != len(segments)-1 {
				return Filter{}, fmt.Errorf("%w: '#' must be the last level, filter: %s", ErrInvalidFilter, raw)
			}
		case segment == "+":
			// 单层通配符可以出现在任意层级
		case strings.ContainsAny(segment, "#+"):
			return Filter{}, fmt.Errorf("%w: wildcard must occupy an entire level, filter: %s", ErrInvalidFilter, raw)
		}
	}

	return Filter{raw: raw, segments: segments}, nil
}

// String 返回过滤器的原始字符串
func (f Filter) String() string {
	return f.raw
}

// Segments 返回过滤器的层级序列
func (f Filter) Segments() []string {
	return f.segments
}

// WildcardPrefixed 判断过滤器首层级是否为通配符
func (f Filter) WildcardPrefixed() bool {
	return len(f.segments) > 0 && (f.segments[0] == "#" || f.segments[0] == "+")
}

// Match 判断过滤器是否匹配给定的发布主题
// 以'$'开头的主题不匹配首层级为通配符的过滤器
func (f Filter) Match(topic string) bool {
	if strings.HasPrefix(topic, "$") && f.WildcardPrefixed() {
		return false
	}

	levels := strings.Split(topic, "/")
	for i, segment := range f.segments {
		if segment == "#" {
			return true
		}
		if i >= len(levels) {
			return false
		}
		if segment != "+" && segment != levels[i] {
			return false
		}
	}
	return len(levels) == len(f.segments)
}

// ValidTopicName 检查发布主题是否合法：非空且不含通配符
func ValidTopicName(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "#+")
}
