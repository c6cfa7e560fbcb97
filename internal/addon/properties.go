package addon

import (
	"strings"

	"addon-home/internal/document"
)

// Operations an add-on can be asked to perform.
const (
	OpActivate   = "activate"
	OpDeactivate = "deactivate"
	OpDeinstall  = "deinstall"
)

// TypeScript is the add-on type for script collections.
const TypeScript = "script"

const (
	elemAddOn       = "addon"
	elemDescription = "description"
	elemLicense     = "license"

	attrVersion   = "version"
	attrAuthor    = "author"
	attrHomepage  = "homepage"
	attrUpdateURL = "updateUrl"
	attrActive    = "active"
)

// Properties is an installed script add-on: its metadata plus the
// validated scripts it contributes.
type Properties struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Version     string   `json:"version,omitempty"`
	Author      string   `json:"author,omitempty"`
	Homepage    string   `json:"homepage,omitempty"`
	UpdateURL   string   `json:"update_url,omitempty"`
	Description string   `json:"description,omitempty"`
	License     string   `json:"license,omitempty"`
	Active      bool     `json:"active"`
	Scripts     []Script `json:"scripts"`
}

// ParseProperties reads an addon root element. The scripts grouping is
// parsed and validated before anything is returned; any failure rejects
// the add-on as a whole.
func ParseProperties(root *document.Element, opts LoaderOptions) (*Properties, error) {
	if root == nil || root.Name != elemAddOn {
		return nil, &LoadError{AddOn: "<unknown>", Msg: "root element must be <addon>", Err: ErrMalformedDocument}
	}
	attrs := root.AttrMap()
	name := strings.TrimSpace(attrs[attrName])
	if name == "" {
		return nil, &LoadError{AddOn: "<unnamed>", Msg: "no add-on name", Err: ErrValidation}
	}

	p := &Properties{
		Name:      name,
		Type:      TypeScript,
		Version:   attrs[attrVersion],
		Author:    attrs[attrAuthor],
		Homepage:  attrs[attrHomepage],
		UpdateURL: attrs[attrUpdateURL],
		Active:    !strings.EqualFold(strings.TrimSpace(attrs[attrActive]), "false"),
	}
	if el := root.FirstChild(elemDescription); el != nil {
		p.Description = strings.TrimSpace(el.Text)
	}
	if el := root.FirstChild(elemLicense); el != nil {
		p.License = strings.TrimSpace(el.Text)
	}

	scripts, err := NewLoader(name, opts).Load(root)
	if err != nil {
		return nil, err
	}
	for i := range scripts {
		scripts[i].Active = p.Active
	}
	p.Scripts = scripts
	return p, nil
}

func (p *Properties) String() string {
	return p.Name
}

// NameKey is the localization key for the add-on's display name.
func (p *Properties) NameKey() string {
	return NameKey(p.Name)
}

// NameKey returns the localization key for an add-on name.
func NameKey(name string) string {
	return "addons." + name
}

// SupportsOperation reports whether op makes sense in the current state.
func (p *Properties) SupportsOperation(op string) bool {
	switch op {
	case OpDeactivate:
		return p.Active && len(p.Scripts) > 0
	case OpActivate:
		return !p.Active
	case OpDeinstall:
		return true
	default:
		return false
	}
}

// WithActive returns a copy with the activation flag set on the add-on
// and mirrored onto each script.
func (p *Properties) WithActive(active bool) *Properties {
	cp := *p
	cp.Active = active
	cp.Scripts = make([]Script, len(p.Scripts))
	for i, s := range p.Scripts {
		s.Active = active
		cp.Scripts[i] = s
	}
	return &cp
}

// ToXML renders the add-on back to its document form.
func (p *Properties) ToXML() *document.Element {
	root := document.New(elemAddOn)
	root.SetAttr(attrName, p.Name)
	if p.Version != "" {
		root.SetAttr(attrVersion, p.Version)
	}
	if p.Author != "" {
		root.SetAttr(attrAuthor, p.Author)
	}
	if p.Homepage != "" {
		root.SetAttr(attrHomepage, p.Homepage)
	}
	if p.UpdateURL != "" {
		root.SetAttr(attrUpdateURL, p.UpdateURL)
	}
	if p.Active {
		root.SetAttr(attrActive, "true")
	} else {
		root.SetAttr(attrActive, "false")
	}
	if p.Description != "" {
		el := document.New(elemDescription)
		el.Text = p.Description
		root.AddChild(el)
	}
	if p.License != "" {
		el := document.New(elemLicense)
		el.Text = p.License
		root.AddChild(el)
	}
	root.AddChild(Serialize(p.Scripts))
	return root
}
