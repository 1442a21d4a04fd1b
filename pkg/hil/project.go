package hil

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/hil-network/hil/pkg/model"
	"github.com/hil-network/hil/pkg/util"
)

// ProjectCreate creates an empty project.
func (s *Service) ProjectCreate(name string) error {
	if err := validate("project", name); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		dup, err := exists(tx, &model.Project{}, "label = ?", name)
		if err != nil {
			return err
		}
		if dup {
			return util.NewConflictError("project "+name, "already exists")
		}
		return tx.Create(&model.Project{Label: name}).Error
	})
}

// ProjectDelete removes a project that owns nothing and has no access
// grants.
func (s *Service) ProjectDelete(name string) error {
	if err := validate("project", name); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		p, err := findProject(tx, name)
		if err != nil {
			return err
		}
		var children []string

		var nodes []model.Node
		if err := tx.Where("project_id = ?", p.ID).Find(&nodes).Error; err != nil {
			return err
		}
		for _, n := range labels(nodes, func(n model.Node) string { return n.Label }) {
			children = append(children, "node "+n)
		}

		var owned []model.Network
		if err := tx.Where("owner_id = ?", p.ID).Find(&owned).Error; err != nil {
			return err
		}
		for _, n := range labels(owned, func(n model.Network) string { return n.Label }) {
			children = append(children, "network "+n)
		}

		var access []model.Network
		if err := accessOf(tx, p.ID, &access); err != nil {
			return err
		}
		for _, n := range access {
			if n.OwnerID != nil && *n.OwnerID == p.ID {
				continue
			}
			children = append(children, "access to network "+n.Label)
		}

		if len(children) > 0 {
			return util.NewBlockingChildError("project "+name, children...)
		}
		return tx.Delete(p).Error
	})
}

// accessOf loads the networks a project has been granted access to.
func accessOf(tx *gorm.DB, projectID uint, out *[]model.Network) error {
	return tx.Joins("JOIN network_access ON network_access.network_id = networks.id").
		Where("network_access.project_id = ?", projectID).
		Order("networks.label").
		Find(out).Error
}

// ProjectList returns every project name, sorted.
func (s *Service) ProjectList() ([]string, error) {
	var projects []model.Project
	if err := s.db.Order("label").Find(&projects).Error; err != nil {
		return nil, err
	}
	return labels(projects, func(p model.Project) string { return p.Label }), nil
}

// ProjectConnectNode gives a free node to a project.
func (s *Service) ProjectConnectNode(project, node string) error {
	if err := validate("project", project, "node", node); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		p, err := findProject(tx, project)
		if err != nil {
			return err
		}
		n, err := findNode(tx, node)
		if err != nil {
			return err
		}
		if n.ProjectID != nil {
			return util.NewConflictError("node "+node, "already in project "+n.Project.Label)
		}
		return tx.Model(n).Update("project_id", p.ID).Error
	})
}

// ProjectDetachNode returns a node to the free pool. Its nics must be off
// every network first.
func (s *Service) ProjectDetachNode(project, node string) error {
	if err := validate("project", project, "node", node); err != nil {
		return err
	}
	return s.transaction(func(tx *gorm.DB) error {
		p, err := findProject(tx, project)
		if err != nil {
			return err
		}
		n, err := findNode(tx, node)
		if err != nil {
			return err
		}
		if n.ProjectID == nil || *n.ProjectID != p.ID {
			return util.NewNotFoundError("node in project "+project, node)
		}
		var nics []model.Nic
		if err := tx.Where("node_id = ?", n.ID).Order("label").Find(&nics).Error; err != nil {
			return err
		}
		children, err := blockers(tx, nics)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return util.NewBlockingChildError("node "+node, children...)
		}
		return tx.Model(n).Update("project_id", nil).Error
	})
}

// ListProjectNodes lists the nodes a project holds, sorted.
func (s *Service) ListProjectNodes(project string) ([]string, error) {
	if err := validate("project", project); err != nil {
		return nil, err
	}
	p, err := findProject(s.db, project)
	if err != nil {
		return nil, err
	}
	var nodes []model.Node
	if err := s.db.Where("project_id = ?", p.ID).Find(&nodes).Error; err != nil {
		return nil, err
	}
	return labels(nodes, func(n model.Node) string { return n.Label }), nil
}

// ListProjectNetworks lists the networks a project can use, sorted.
func (s *Service) ListProjectNetworks(project string) ([]string, error) {
	if err := validate("project", project); err != nil {
		return nil, err
	}
	p, err := findProject(s.db, project)
	if err != nil {
		return nil, err
	}
	var networks []model.Network
	if err := accessOf(s.db, p.ID, &networks); err != nil {
		return nil, fmt.Errorf("listing networks of %s: %w", project, err)
	}
	return labels(networks, func(n model.Network) string { return n.Label }), nil
}
