package dataType

import (
	"fmt"
	"net"
	"strings"
	"sync"
)

type TrieNode struct {
	children [2]*TrieNode
	isEnd    bool
}

// insert walks the first ones bits of ip, marking the last node as a rule end.
func (node *TrieNode) insert(ip net.IP, ones int) {
	current := node
	for i := 0; i < ones; i++ {
		bit := (ip[i/8] >> (7 - uint(i%8))) & 1
		if current.children[bit] == nil {
			current.children[bit] = &TrieNode{}
		}
		current = current.children[bit]
	}
	current.isEnd = true
}

// search reports whether any inserted prefix covers ip.
func (node *TrieNode) search(ip net.IP) bool {
	current := node
	for i := 0; i < len(ip)*8; i++ {
		if current.isEnd {
			return true
		}
		bit := (ip[i/8] >> (7 - uint(i%8))) & 1
		if current.children[bit] == nil {
			return false
		}
		current = current.children[bit]
	}
	return current.isEnd
}

// SourceTrie matches connection sources against IPv4 and IPv6 prefixes.
type SourceTrie struct {
	mu    sync.RWMutex
	v4    TrieNode
	v6    TrieNode
	count int
}

func NewSourceTrie() *SourceTrie {
	return &SourceTrie{}
}

// ParseSourceRule accepts a CIDR or a bare IP (a full-length prefix).
func ParseSourceRule(rule string) (*net.IPNet, error) {
	rule = strings.TrimSpace(rule)
	if strings.Contains(rule, "/") {
		_, ipNet, err := net.ParseCIDR(rule)
		if err != nil {
			return nil, fmt.Errorf("invalid source rule %q: %w", rule, err)
		}
		return ipNet, nil
	}
	ip := net.ParseIP(rule)
	if ip == nil {
		return nil, fmt.Errorf("invalid source rule %q", rule)
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

func (t *SourceTrie) Insert(ipNet *net.IPNet) {
	ones, bits := ipNet.Mask.Size()
	t.mu.Lock()
	defer t.mu.Unlock()
	if ip := ipNet.IP.To4(); ip != nil && bits == 32 {
		t.v4.insert(ip, ones)
	} else if ip := ipNet.IP.To16(); ip != nil && bits == 128 {
		t.v6.insert(ip, ones)
	} else {
		return
	}
	t.count++
}

// Contains reports whether source, a textual IP, falls inside an inserted prefix.
// Non-IP sources never match.
func (t *SourceTrie) Contains(source string) bool {
	if t == nil {
		return false
	}
	ip := net.ParseIP(source)
	if ip == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if v4 := ip.To4(); v4 != nil {
		return t.v4.search(v4)
	}
	return t.v6.search(ip.To16())
}

func (t *SourceTrie) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}
