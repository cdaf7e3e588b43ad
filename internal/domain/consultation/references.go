package consultation

import (
	"net/url"
	"strings"
)

// SplitReferences turns a stored prescriptionsUrl value into individual
// document references. A value without commas is a single reference.
func SplitReferences(stored string) []string {
	if strings.TrimSpace(stored) == "" {
		return nil
	}
	parts := strings.Split(stored, ",")
	refs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			refs = append(refs, p)
		}
	}
	return refs
}

// MergeReferences concatenates previously stored references with freshly
// uploaded URLs and encodes them for storage. When more than one URL lives
// under a common folder the folder URL is stored instead of the list;
// otherwise the list is comma-joined.
func MergeReferences(existing, uploaded []string) string {
	seen := make(map[string]bool, len(existing)+len(uploaded))
	var all []string
	for _, group := range [][]string{existing, uploaded} {
		for _, ref := range group {
			ref = strings.TrimSpace(ref)
			if ref == "" || seen[ref] {
				continue
			}
			seen[ref] = true
			all = append(all, ref)
		}
	}

	switch len(all) {
	case 0:
		return ""
	case 1:
		return all[0]
	}
	if folder, ok := sharedFolder(all); ok {
		return folder
	}
	return strings.Join(all, ",")
}

// sharedFolder returns the deepest folder URL (ending in "/") that contains
// every reference. References on different hosts, relative references, or
// references sharing only the host root have no shared folder.
func sharedFolder(refs []string) (string, bool) {
	var scheme, host string
	var common []string
	for i, ref := range refs {
		u, err := url.Parse(ref)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "", false
		}
		segs := folderSegments(u.Path)
		if i == 0 {
			scheme, host, common = u.Scheme, u.Host, segs
			continue
		}
		if u.Scheme != scheme || u.Host != host {
			return "", false
		}
		n := 0
		for n < len(common) && n < len(segs) && common[n] == segs[n] {
			n++
		}
		common = common[:n]
	}
	if len(common) == 0 {
		return "", false
	}
	return scheme + "://" + host + "/" + strings.Join(common, "/") + "/", true
}

// folderSegments returns the directory segments of a URL path, dropping the
// final file name.
func folderSegments(p string) []string {
	dir := strings.Trim(p[:strings.LastIndex(p, "/")+1], "/")
	if dir == "" {
		return nil
	}
	return strings.Split(dir, "/")
}
