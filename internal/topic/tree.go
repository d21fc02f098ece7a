package topic

import (
	"strings"
	"sync"
)

// Subscription 订阅树中的一条订阅记录
// 只持有clientID，不持有会话生命周期
type Subscription struct {
	ClientID string
	Filter   Filter
	QoSLevel byte
}

// treeNode 订阅树节点
type treeNode struct {
	// 直接子节点（精确匹配）
	children map[string]*treeNode
	// "+" 通配符子节点（单层）
	wildcardPlus *treeNode
	// "#" 通配符订阅列表（匹配该节点之后的任意层级，包括零个）
	wildcardHash []Subscription
	// 终端订阅者（当前路径的精确匹配订阅）
	terminals []Subscription
}

func newTreeNode() *treeNode {
	return &treeNode{children: make(map[string]*treeNode)}
}

func (node *treeNode) empty() bool {
	return len(node.children) == 0 && node.wildcardPlus == nil &&
		len(node.wildcardHash) == 0 && len(node.terminals) == 0
}

// Tree 内存订阅匹配树，读写锁保护
// 发布匹配走读锁，订阅变更走写锁，树结构不会被观察到中间状态
type Tree struct {
	mu   sync.RWMutex
	root *treeNode
}

func NewTree() *Tree {
	return &Tree{root: newTreeNode()}
}

// Subscribe 将订阅插入树中，同一客户端对同一过滤器重复订阅时更新QoS
func (t *Tree) Subscribe(filter Filter, clientID string, qos byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subscription := Subscription{ClientID: clientID, Filter: filter, QoSLevel: qos}
	currentNode := t.root
	for _, segment := range filter.Segments() {
		if segment == "#" {
			// 语法校验保证'#'一定是最后一个层级
			currentNode.wildcardHash = upsert(currentNode.wildcardHash, subscription)
			return
		}
		if segment == "+" {
			if currentNode.wildcardPlus == nil {
				currentNode.wildcardPlus = newTreeNode()
			}
			currentNode = currentNode.wildcardPlus
			continue
		}
		childNode, ok := currentNode.children[segment]
		if !ok {
			childNode = newTreeNode()
			currentNode.children[segment] = childNode
		}
		currentNode = childNode
	}
	currentNode.terminals = upsert(currentNode.terminals, subscription)
}

// Unsubscribe 从树中移除订阅，返回是否存在该订阅
func (t *Tree) Unsubscribe(filter Filter, clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.remove(t.root, filter.Segments(), filter.String(), clientID)
}

func (t *Tree) remove(node *treeNode, segments []string, raw string, clientID string) bool {
	if len(segments) == 0 {
		var removed bool
		node.terminals, removed = deleteSub(node.terminals, raw, clientID)
		return removed
	}

	segment := segments[0]
	if segment == "#" {
		var removed bool
		node.wildcardHash, removed = deleteSub(node.wildcardHash, raw, clientID)
		return removed
	}

	var childNode *treeNode
	if segment == "+" {
		childNode = node.wildcardPlus
	} else {
		childNode = node.children[segment]
	}
	if childNode == nil {
		return false
	}

	removed := t.remove(childNode, segments[1:], raw, clientID)

	// 回收空节点，避免树随订阅变更无限增长
	if childNode.empty() {
		if segment == "+" {
			node.wildcardPlus = nil
		} else {
			delete(node.children, segment)
		}
	}
	return removed
}

// Match 返回匹配发布主题的所有订阅，同一会话的多个过滤器各返回一条
func (t *Tree) Match(topic string) []Subscription {
	levels := strings.Split(topic, "/")
	// 以'$'开头的主题不匹配首层级为通配符的过滤器
	systemTopic := strings.HasPrefix(levels[0], "$")

	t.mu.RLock()
	defer t.mu.RUnlock()

	var results []Subscription
	queue := []*treeNode{t.root}

	for depth, currentLevel := range levels {
		var nextQueue []*treeNode

		for _, node := range queue {
			skipWildcards := depth == 0 && systemTopic

			// 1. 收集当前节点的 # 通配符订阅
			if !skipWildcards {
				results = append(results, node.wildcardHash...)
			}

			// 2. 精确匹配子节点
			if childNode, ok := node.children[currentLevel]; ok {
				nextQueue = append(nextQueue, childNode)
			}

			// 3. 处理 + 通配符子节点
			if node.wildcardPlus != nil && !skipWildcards {
				nextQueue = append(nextQueue, node.wildcardPlus)
			}
		}

		// 4. 更新队列为下一层节点
		queue = nextQueue

		// 提前终止：队列为空时无需继续
		if len(queue) == 0 {
			break
		}
	}

	// 5. 收集终端节点的精确订阅，以及恰好终止于此的 # 订阅（匹配零个后续层级）
	for _, node := range queue {
		results = append(results, node.terminals...)
		results = append(results, node.wildcardHash...)
	}

	return results
}

// RemoveClient 移除某个客户端在树中的全部订阅
func (t *Tree) RemoveClient(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeClient(t.root, clientID)
}

func (t *Tree) removeClient(node *treeNode, clientID string) {
	node.terminals = deleteClient(node.terminals, clientID)
	node.wildcardHash = deleteClient(node.wildcardHash, clientID)

	for segment, childNode := range node.children {
		t.removeClient(childNode, clientID)
		if childNode.empty() {
			delete(node.children, segment)
		}
	}
	if node.wildcardPlus != nil {
		t.removeClient(node.wildcardPlus, clientID)
		if node.wildcardPlus.empty() {
			node.wildcardPlus = nil
		}
	}
}

func upsert(subs []Subscription, subscription Subscription) []Subscription {
	for i := range subs {
		if subs[i].ClientID == subscription.ClientID && subs[i].Filter.String() == subscription.Filter.String() {
			subs[i].QoSLevel = subscription.QoSLevel
			return subs
		}
	}
	return append(subs, subscription)
}

func deleteSub(subs []Subscription, raw string, clientID string) ([]Subscription, bool) {
	for i := range subs {
		if subs[i].ClientID == clientID && subs[i].Filter.String() == raw {
			return append(subs[:i], subs[i+1:]...), true
		}
	}
	return subs, false
}

func deleteClient(subs []Subscription, clientID string) []Subscription {
	result := subs[:0]
	for _, sub := range subs {
		if sub.ClientID != clientID {
			result = append(result, sub)
		}
	}
	return result
}
