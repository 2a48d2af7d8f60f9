package stimulus

import (
	"fmt"
	"math/rand/v2"
)

// Stimulus is one trial's image.
type Stimulus struct {
	Block string `json:"block"`
	Image string `json:"image"`
	Meta  Meta   `json:"meta"`
}

// Block is a run of trials preceded by an intro screen.
type Block struct {
	Label  string     `json:"label"`
	Intro  Intro      `json:"intro"`
	Trials []Stimulus `json:"trials"`
}

// Intro is the text shown before a block.
type Intro struct {
	Title string   `json:"title"`
	Lines []string `json:"lines"`
}

// BlockIntro returns the intro screen for a block label.
func BlockIntro(label string) Intro {
	subject := "female"
	if label == Male {
		subject = "male"
	}
	return Intro{
		Title: label + " Images",
		Lines: []string{
			fmt.Sprintf("Please view and rate the following %s images.", subject),
			"Click Continue to begin.",
		},
	}
}

// Plan is the ordered list of blocks for one session.
type Plan struct {
	Blocks []Block `json:"blocks"`
}

// NewPlan builds one block per sex, shuffles trials within each block and
// then shuffles the block order. A nil rng uses the global source.
func NewPlan(s Scheme, rng *rand.Rand) (*Plan, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	shuffle := rand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}

	blocks := []Block{
		newBlock(Male, Paths(s, TagMale)),
		newBlock(Female, Paths(s, TagFemale)),
	}
	for _, b := range blocks {
		shuffle(len(b.Trials), func(i, j int) {
			b.Trials[i], b.Trials[j] = b.Trials[j], b.Trials[i]
		})
	}
	shuffle(len(blocks), func(i, j int) {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	})
	return &Plan{Blocks: blocks}, nil
}

func newBlock(label string, paths []string) Block {
	trials := make([]Stimulus, len(paths))
	for i, p := range paths {
		trials[i] = Stimulus{Block: label, Image: p, Meta: ParseMeta(p)}
	}
	return Block{Label: label, Intro: BlockIntro(label), Trials: trials}
}

// Len returns the total number of trials.
func (p *Plan) Len() int {
	n := 0
	for _, b := range p.Blocks {
		n += len(b.Trials)
	}
	return n
}

// Images returns every image path, for preloading.
func (p *Plan) Images() []string {
	out := make([]string, 0, p.Len())
	for _, b := range p.Blocks {
		for _, t := range b.Trials {
			out = append(out, t.Image)
		}
	}
	return out
}

// Cursor walks a plan trial by trial.
type Cursor struct {
	plan  *Plan
	block int
	trial int
}

// Cursor returns a cursor positioned before the first trial.
func (p *Plan) Cursor() *Cursor {
	return &Cursor{plan: p, trial: -1}
}

// Next advances to the next trial. newBlock is true when the trial is the
// first of its block. ok is false once the plan is exhausted.
func (c *Cursor) Next() (st Stimulus, newBlock bool, ok bool) {
	c.trial++
	for c.block < len(c.plan.Blocks) {
		b := c.plan.Blocks[c.block]
		if c.trial < len(b.Trials) {
			return b.Trials[c.trial], c.trial == 0, true
		}
		c.block++
		c.trial = 0
	}
	return Stimulus{}, false, false
}

// Block returns the block of the current trial.
func (c *Cursor) Block() (Block, bool) {
	if c.block >= len(c.plan.Blocks) {
		return Block{}, false
	}
	return c.plan.Blocks[c.block], true
}

// Index returns the zero-based position of the current trial in the plan.
func (c *Cursor) Index() int {
	n := 0
	for i := 0; i < c.block && i < len(c.plan.Blocks); i++ {
		n += len(c.plan.Blocks[i].Trials)
	}
	return n + c.trial
}
