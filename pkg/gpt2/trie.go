package gpt2

import "fmt"

// trie maps byte strings to token ids.
type trie struct {
	children map[byte]*trie
	data     int32
	end      bool
}

// newTrie creates a trie holding words, each mapped to its index.
func newTrie(words []string) trie {
	t := trie{children: map[byte]*trie{}}
	for i, word := range words {
		err := t.Insert([]byte(word), int32(i))
		if err != nil {
			panic(err)
		}
	}
	return t
}

// Insert inserts a word into the trie.
func (t *trie) Insert(word []byte, data int32) error {
	if len(word) == 0 {
		return fmt.Errorf("zero length word not supported")
	}
	cur := t
	for _, b := range word {
		next := cur.children[b]
		if next == nil {
			next = &trie{children: map[byte]*trie{}}
			cur.children[b] = next
		}
		cur = next
	}
	cur.end = true
	cur.data = data
	return nil
}

// Tokenize splits input into the longest words known to the trie, returning
// the pieces and their ids. A byte that starts no known word becomes a piece
// of its own with the end-of-text id.
func (t *trie) Tokenize(input []byte) ([][]byte, []int32) {
	var split [][]byte
	var tokens []int32
	for len(input) != 0 {
		cur := t
		token, endIdx := GPT2_EOT, 1
		for next := 0; next < len(input); next++ {
			cur = cur.children[input[next]]
			if cur == nil {
				break
			}
			if cur.end {
				token, endIdx = cur.data, next+1
			}
		}
		split = append(split, input[:endIdx])
		tokens = append(tokens, token)
		input = input[endIdx:]
	}
	return split, tokens
}
