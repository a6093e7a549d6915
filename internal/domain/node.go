package domain

import "time"

// NetNode groups instances by customer site or point of presence.
type NetNode struct {
	ID        int64     `json:"id,string" form:"id"`
	Name      string    `json:"name" form:"name"`
	Remark    string    `json:"remark" form:"remark"`
	Tags      string    `json:"tags" form:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (NetNode) TableName() string {
	return "net_node"
}
