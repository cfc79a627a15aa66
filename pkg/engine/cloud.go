package engine

// CloudAugmenter synthesizes state for virtual machines that run under a
// cloud object but have not been registered as agents yet. A cloud object
// is any object whose is_cloud attribute is true; its vms attribute maps
// VM names to {address, port}. For each such VM unknown to the snapshot,
// the augmenter adds {created: true, in_cloud: <cloud path>, address, port}.
type CloudAugmenter struct {
	// DefaultPort is used when a VM entry has no port.
	DefaultPort int
}

// Augment implements StateAugmenter.
func (c CloudAugmenter) Augment(state State) State {
	var clouds []Path
	for p, v := range state {
		if p.Last() != "is_cloud" || p.IsAgentRoot() {
			continue
		}
		if b, ok := v.Truth(); ok && b {
			clouds = append(clouds, p.Parent())
		}
	}
	if len(clouds) == 0 {
		return state
	}

	known := state.agents()
	out := make(State, len(state))
	out.Merge(state)

	for _, cloud := range clouds {
		vms := state[cloud.Child("vms")]
		for name, vm := range vms.Fields() {
			if _, exists := known[name]; exists {
				continue
			}
			root := AgentPath(name)
			out[root.Child("created")] = Bool(true)
			out[root.Child("in_cloud")] = String(string(cloud))

			if addr, ok := vm.Field("address").Str(); ok {
				out[root.Child("address")] = String(addr)
			} else if ip, ok := vm.Field("ip").Str(); ok {
				out[root.Child("address")] = String(ip)
			}
			port := float64(c.DefaultPort)
			if n, ok := vm.Field("port").Num(); ok && n > 0 {
				port = n
			}
			if port > 0 {
				out[root.Child("port")] = Number(port)
			}
		}
	}
	return out
}
