package supervise

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// processTree returns the process with the given pid plus every OS-level
// descendant, multi-generation. A package-manager launcher that forks the
// real server yields a three-deep tree here.
func processTree(pid int) []*gopsproc.Process {
	root, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	tree := []*gopsproc.Process{root}
	tree = append(tree, descendantsOf(root, 0)...)
	return tree
}

func descendantsOf(p *gopsproc.Process, depth int) []*gopsproc.Process {
	if depth > 16 {
		return nil
	}
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*gopsproc.Process
	for _, c := range children {
		out = append(out, c)
		out = append(out, descendantsOf(c, depth+1)...)
	}
	return out
}

// terminateTree delivers a graceful termination signal to every member of
// the tree at the same time rather than one by one, so a supervising
// parent cannot respawn children as they die. The group signal is tried
// first where the platform offers one.
func terminateTree(rootPID int, tree []*gopsproc.Process) {
	_ = signalGroup(rootPID, true)
	for _, p := range tree {
		_ = p.Terminate()
	}
}

// killTree force-kills every member of the tree.
func killTree(rootPID int, tree []*gopsproc.Process) {
	_ = signalGroup(rootPID, false)
	for _, p := range tree {
		_ = p.Kill()
	}
}

// anyAlive reports whether any member of the tree is still running. A
// killed child lingers in the process table as a zombie until its parent
// reaps it; such an entry executes nothing and counts as dead.
func anyAlive(tree []*gopsproc.Process) bool {
	for _, p := range tree {
		running, err := p.IsRunning()
		if err != nil || !running {
			continue
		}
		if isZombie(p) {
			continue
		}
		return true
	}
	return false
}

func isZombie(p *gopsproc.Process) bool {
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	for _, st := range statuses {
		if st == gopsproc.Zombie {
			return true
		}
	}
	return false
}
