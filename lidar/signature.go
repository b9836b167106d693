package lidar

import (
	"fmt"
	"strings"

	"github.com/speters/lidarlink/frame"
)

// Signature recognises the reply to a command by its leading payload bytes or tokens.
type Signature interface {
	Match(f *frame.Frame) bool
	String() string
}

type prefix []byte

// Prefix matches binary frames whose payload starts with b.
func Prefix(b ...byte) Signature { return prefix(b) }

func (p prefix) Match(f *frame.Frame) bool { return f.HasPrefix(p) }
func (p prefix) String() string            { return fmt.Sprintf("prefix % x", []byte(p)) }

type tokens []string

// Tokens matches ASCII frames whose leading tokens equal the space separated words of sig,
// e.g. Tokens("sRA STlms").
func Tokens(sig string) Signature { return tokens(strings.Fields(sig)) }

func (t tokens) Match(f *frame.Frame) bool { return f.HasTokens(t) }
func (t tokens) String() string            { return fmt.Sprintf("tokens %q", strings.Join(t, " ")) }

type anyFrame struct{}

// Any matches every frame.
var Any Signature = anyFrame{}

func (anyFrame) Match(f *frame.Frame) bool { return f.Populated() }
func (anyFrame) String() string            { return "any frame" }
