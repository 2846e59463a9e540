package cache

// Nop never stores anything; every Get misses.
type Nop struct{}

func (Nop) Get(string) (any, bool)        { return nil, false }
func (Nop) Put(string, any, ...PutOption) {}
func (Nop) Delete(string)                 {}
func (Nop) Len() int                      { return 0 }

var _ Cache = Nop{}

func NewNop() Cache { return Nop{} }
