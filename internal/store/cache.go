package store

import gocache "github.com/patrickmn/go-cache"

func (r *rowCache) getGroup(id string) (*GroupRow, bool) {
	v, ok := r.c.Get("group:" + id)
	if !ok {
		return nil, false
	}
	g, ok := v.(*GroupRow)
	return g, ok
}

func (r *rowCache) putGroup(g *GroupRow) {
	r.c.Set("group:"+g.ID, g, gocache.DefaultExpiration)
}

func (r *rowCache) invalidateGroup(id string) {
	r.c.Delete("group:" + id)
}
